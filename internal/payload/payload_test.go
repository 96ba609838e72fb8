package payload

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Payload{
		Text{Text: "meeting moved to 6pm"},
		Media{URL: "https://cdn.example.org/a.jpg", Caption: "flyer", Sensitive: false},
		Media{URL: "https://cdn.example.org/b.jpg", Sensitive: true},
		MovementShare{Title: "Housing March", URL: "https://example.org/m/42"},
	}

	for _, p := range cases {
		raw, err := Encode(p)
		if err != nil {
			t.Fatalf("encode %T: %v", p, err)
		}
		got := Decode(raw)
		if got != p {
			t.Fatalf("round trip %T: got %#v, want %#v", p, got, p)
		}
	}
}

func TestDecodeFallsBackToText(t *testing.T) {
	t.Parallel()

	cases := []string{
		"just a plain old message",
		`{"type":"hologram","beam":true}`,
		`{"type":`,
		"",
	}
	for _, raw := range cases {
		got := Decode(raw)
		text, ok := got.(Text)
		if !ok {
			t.Fatalf("Decode(%q) = %T, want Text", raw, got)
		}
		if text.Text != raw {
			t.Fatalf("Decode(%q) wrapped %q", raw, text.Text)
		}
	}
}

func TestInferSensitive(t *testing.T) {
	t.Parallel()

	if !InferSensitive("nsfw protest footage", "") {
		t.Fatal("caption keyword not flagged")
	}
	if !InferSensitive("", "https://cdn.example.org/graphic-content.mp4") {
		t.Fatal("url keyword not flagged")
	}
	if InferSensitive("community picnic", "https://cdn.example.org/picnic.jpg") {
		t.Fatal("benign media flagged")
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := Preview(Text{Text: "hi"}); got != "hi" {
		t.Fatalf("text preview %q", got)
	}
	if got := Preview(Media{URL: "u"}); got != "[media]" {
		t.Fatalf("media preview %q", got)
	}
	if got := Preview(Media{URL: "u", Sensitive: true}); got != "[sensitive media]" {
		t.Fatalf("sensitive preview %q", got)
	}
	if got := Preview(MovementShare{Title: "March"}); got != "[shared] March" {
		t.Fatalf("share preview %q", got)
	}
}
