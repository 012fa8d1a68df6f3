package session

import "math/rand"

// Nicknames for unidentified users, in the spirit of "Anonymous Beekeeper".
var professions = []string{
	"Archeologist",
	"Astronomer",
	"Beekeeper",
	"Blacksmith",
	"Cartographer",
	"Clockmaker",
	"Falconer",
	"Gardener",
	"Glassblower",
	"Lighthouse Keeper",
	"Locksmith",
	"Mapmaker",
	"Potter",
	"Printmaker",
	"Shepherd",
	"Shipwright",
	"Stargazer",
	"Tailor",
	"Typesetter",
	"Weaver",
}

func randomProfession() string {
	return professions[rand.Intn(len(professions))]
}
