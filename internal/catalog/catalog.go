package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"beacon-registry/internal/model"
)

// ErrUnknownGame is returned when a name matches neither a game code nor an alias.
var ErrUnknownGame = errors.New("unknown game")

// ErrUnknownPlatform is returned when a game is not available on a platform.
var ErrUnknownPlatform = errors.New("unknown platform")

// Game describes one entry of the game catalog.
type Game struct {
	Code            string   `yaml:"code" json:"code"`
	Title           string   `yaml:"title" json:"title"`
	Aliases         []string `yaml:"aliases" json:"aliases"`
	Platforms       []string `yaml:"platforms" json:"platforms"`
	DefaultPlatform string   `yaml:"default_platform" json:"default_platform"`
	Message         string   `yaml:"message" json:"message"`
}

// ResolvePlatform normalizes a requested platform for the game. An empty
// request resolves to the game's default platform.
func (g Game) ResolvePlatform(requested string) (string, error) {
	p := Normalize(requested)
	if p == "" {
		return g.DefaultPlatform, nil
	}
	for _, allowed := range g.Platforms {
		if allowed == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not available on %s", ErrUnknownPlatform, g.Code, p)
}

// Catalog is a read-only lookup table of games keyed by code and alias.
type Catalog struct {
	games   map[string]Game
	aliases map[string]string
	codes   []string
}

// New builds a Catalog, normalizing codes, aliases and platforms.
func New(games []Game) (*Catalog, error) {
	c := &Catalog{
		games:   make(map[string]Game, len(games)),
		aliases: make(map[string]string),
	}

	for _, g := range games {
		g.Code = Normalize(g.Code)
		if g.Code == "" {
			return nil, errors.New("catalog: game code must not be empty")
		}
		if _, dup := c.games[g.Code]; dup {
			return nil, fmt.Errorf("catalog: duplicate game code %q", g.Code)
		}

		platforms := make([]string, 0, len(g.Platforms))
		for _, p := range g.Platforms {
			if p = Normalize(p); p != "" {
				platforms = append(platforms, p)
			}
		}
		g.DefaultPlatform = Normalize(g.DefaultPlatform)
		if g.DefaultPlatform == "" {
			g.DefaultPlatform = model.DefaultPlatform
		}
		if !contains(platforms, g.DefaultPlatform) {
			platforms = append(platforms, g.DefaultPlatform)
		}
		g.Platforms = platforms

		aliases := make([]string, 0, len(g.Aliases))
		for _, a := range g.Aliases {
			if a = Normalize(a); a != "" {
				aliases = append(aliases, a)
			}
		}
		g.Aliases = aliases

		c.games[g.Code] = g
		c.codes = append(c.codes, g.Code)
	}

	for _, g := range c.games {
		for _, a := range g.Aliases {
			if owner, taken := c.aliases[a]; taken && owner != g.Code {
				return nil, fmt.Errorf("catalog: alias %q used by both %s and %s", a, owner, g.Code)
			}
			if _, isCode := c.games[a]; isCode && a != g.Code {
				return nil, fmt.Errorf("catalog: alias %q of %s shadows a game code", a, g.Code)
			}
			c.aliases[a] = g.Code
		}
	}

	sort.Strings(c.codes)
	return c, nil
}

// Lookup finds a game by code or alias, case-insensitively.
func (c *Catalog) Lookup(name string) (Game, error) {
	key := Normalize(name)
	if g, ok := c.games[key]; ok {
		return g, nil
	}
	if code, ok := c.aliases[key]; ok {
		return c.games[code], nil
	}
	return Game{}, fmt.Errorf("%w: can't find %s", ErrUnknownGame, strings.ToLower(strings.TrimSpace(name)))
}

// Codes returns every game code in sorted order.
func (c *Catalog) Codes() []string {
	out := make([]string, len(c.codes))
	copy(out, c.codes)
	return out
}

// Games returns every game in code order.
func (c *Catalog) Games() []Game {
	out := make([]Game, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, c.games[code])
	}
	return out
}

// Normalize upper-cases and trims a game or platform token.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
