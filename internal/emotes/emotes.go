// Package emotes serves the chat's emote catalog: Twitch channel emotes and
// 7TV emote sets, merged by name and cached for a day.
package emotes

// Channel is a Twitch broadcaster whose emotes are offered in chat.
type Channel struct {
	ID   string
	Name string
}

// DefaultChannels are the channels whose emotes are offered when none are
// configured. Later channels win on name collisions.
var DefaultChannels = []Channel{
	{ID: "85498365", Name: "vedal987"},
	{ID: "56418014", Name: "anny"},
	{ID: "469632185", Name: "camila"},
	{ID: "825937345", Name: "Ellie_Minibot"},
	{ID: "852880224", Name: "cerberVT"},
	{ID: "1004060561", Name: "MinikoMew"},
}

// DefaultSevenTVSets are the 7TV emote sets offered when none are configured,
// highest priority first.
var DefaultSevenTVSets = []string{
	"01GN2QZDS0000BKRM8E4JJD3NV",
	"01JKCEZS0D4MGWVNGKQWBTWSYT",
	"01JKCF444J7HTNKE4TEQ0DBP1F",
	"01K1H87ZZVE92Y3Z37H3ES6BK8",
	"01HKQT8EWR000ESSWF3625XCS4",
}

// TwitchImages holds the emote image URLs per scale. A nil URL means the
// scale is not offered.
type TwitchImages struct {
	URL1x *string `json:"url_1x"`
	URL2x *string `json:"url_2x"`
	URL4x *string `json:"url_4x"`
}

// TwitchEmote is one Twitch emote as served to the front end.
type TwitchEmote struct {
	Images   TwitchImages `json:"images"`
	Animated bool         `json:"animated"`
	Channel  string       `json:"channel"`
}

// SevenTVEmote is one 7TV emote as served to the front end.
type SevenTVEmote struct {
	ZeroWidth bool   `json:"zero_width"`
	Animated  bool   `json:"animated"`
	URL       string `json:"url"`
	Owner     string `json:"owner"`
	Height    int    `json:"height"`
	Width     int    `json:"width"`
	SetName   string `json:"set_name"`
}
