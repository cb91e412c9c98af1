package catalog

// DefaultGames is the catalog used when the configuration does not list any games.
var DefaultGames = []Game{
	{
		Code:            "SFV",
		Title:           "Street Fighter V",
		Aliases:         []string{"sf5"},
		Platforms:       []string{"ps4", "pc"},
		DefaultPlatform: "pc",
		Message:         "Another fight is coming your way!",
	},
	{
		Code:            "ST",
		Title:           "Super Turbo",
		Aliases:         []string{"sf2", "ssf2t"},
		Platforms:       []string{"ps4", "pc", "fc"},
		DefaultPlatform: "pc",
		Message:         "Here comes a new challenger!",
	},
	{
		Code:            "SFA",
		Title:           "Street Fighter Alpha 2/3",
		Aliases:         []string{"sfa2", "sfa3"},
		Platforms:       []string{"pc", "fc"},
		DefaultPlatform: "fc",
		Message:         "Now, fight a new rival!",
	},
	{
		Code:            "3S",
		Title:           "3rd Strike",
		Aliases:         []string{"sf3", "sfiii", "3rdstrike", "goat", "thegoat"},
		Platforms:       []string{"ps4", "pc", "fc"},
		DefaultPlatform: "pc",
		Message:         "Now, fight a new rival!",
	},
}

// Default returns a Catalog built from DefaultGames.
func Default() *Catalog {
	c, err := New(DefaultGames)
	if err != nil {
		panic(err)
	}
	return c
}
