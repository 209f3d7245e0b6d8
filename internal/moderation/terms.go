package moderation

// defaultProhibitedTerms covers self-harm incitement, doxxing bait and the
// scam lines that show up constantly in anonymous chats. Multi-word entries
// match as whole-token phrases.
var defaultProhibitedTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"end your life",
	"send nudes",
	"send me your address",
	"free crypto",
	"double your money",
	"onlyfans promo",
	"cashapp me",
	"venmo me",
	"click this link",
}

// defaultProfanity is deliberately short: it catches the common cases and
// leetspeak variants; the remote classifier handles the long tail.
var defaultProfanity = []string{
	"fuck",
	"fucking",
	"shit",
	"bitch",
	"asshole",
	"cunt",
	"dickhead",
	"whore",
	"slut",
	"faggot",
	"retard",
}
