package moderation

// defaultTerms is the built-in blocklist, grouped by category. Multi-word
// entries are matched as consecutive tokens.
var defaultTerms = map[string][]string{
	"profanity": {
		"fuck", "fucking", "motherfucker", "shit", "bitch", "asshole", "dick",
		"cunt", "bastard", "slut", "whore",
	},
	"hate": {
		"nigger", "nigga", "faggot", "fag", "retard", "chink", "spic", "kike",
		"tranny", "dirty immigrant", "heil hitler", "white power", "gas the jews",
	},
	"self_harm": {
		"kill yourself", "kys", "go die", "slit your wrists",
	},
	"sexual": {
		"porn", "child porn", "nude", "nudes", "send nudes", "rape", "incest",
		"blowjob", "handjob", "cum",
	},
	"violence": {
		"bomb threat", "school shooting", "shoot up",
	},
	"scam": {
		"free bitcoin", "crypto giveaway", "double your money",
	},
}

// defaultRoots are blocked even inside longer words. Short or ambiguous
// terms (cum, fag, dick, cunt) stay whole-word only: they occur inside
// ordinary words and place names.
var defaultRoots = []string{
	"fuck", "shit", "bitch", "asshole", "whore", "nigger", "nigga", "faggot",
	"blowjob", "handjob", "porn",
}

// DefaultTerms returns a flat copy of the built-in blocklist.
func DefaultTerms() []string {
	var out []string
	for _, terms := range defaultTerms {
		out = append(out, terms...)
	}
	return out
}
