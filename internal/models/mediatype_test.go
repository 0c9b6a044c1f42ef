package models

import "testing"

func TestClassifyMediaType(t *testing.T) {
	cases := []struct {
		in   string
		want MediaType
	}{
		{"", MediaText},
		{"conversation", MediaText},
		{"extendedTextMessage", MediaText},
		{"image", MediaImage},
		{"image/jpeg", MediaImage},
		{"ptt", MediaAudio},
		{"audio/ogg; codecs=opus", MediaAudio},
		{"video", MediaVideo},
		{"locationMessage", MediaLocation},
		{"contactMessage", MediaContact},
		{"reactionMessage", MediaReaction},
		{"call_log", MediaCallLog},
		{"e2e_notification", MediaSystem},
		{"application/pdf", MediaDocument},
		{"something-new", MediaDocument},
	}
	for _, c := range cases {
		if got := ClassifyMediaType(c.in); got != c.want {
			t.Errorf("ClassifyMediaType(%q) = %q, want %q", c.in, got, c.want)
		}
		if !ClassifyMediaType(c.in).Valid() {
			t.Errorf("ClassifyMediaType(%q) returned a value outside the closed set", c.in)
		}
	}
}

func TestAckLevelOrdering(t *testing.T) {
	levels := []AckLevel{AckPending, AckSent, AckDelivered, AckDeliveredAll, AckRead}
	for i := 1; i < len(levels); i++ {
		if levels[i-1] >= levels[i] {
			t.Fatalf("ack %s should be lower than %s", levels[i-1], levels[i])
		}
	}
}
