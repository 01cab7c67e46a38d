package detector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChallenge_DetectHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want bool
	}{
		{"recaptcha iframe", `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`, true},
		{"cloudflare form", `<html><body><form id="challenge-form"></form></body></html>`, true},
		{"interstitial title", `<html><head><title>Just a moment...</title></head><body></body></html>`, true},
		{"plain page", `<html><head><title>Shop</title></head><body><p>Hello</p></body></html>`, false},
		{"empty document", ``, false},
	}

	d := NewChallenge(nil)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := d.DetectHTML(tt.html)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestChallenge_CustomMarkers(t *testing.T) {
	t.Parallel()

	d := NewChallenge([]string{"div.bot-wall"})
	got, err := d.DetectHTML(`<div class="bot-wall"></div>`)
	require.NoError(t, err)
	require.True(t, got)

	got, err = d.DetectHTML(`<iframe src="https://hcaptcha.com/x"></iframe>`)
	require.NoError(t, err)
	require.False(t, got, "custom markers replace the defaults")
}
