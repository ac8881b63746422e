package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalURL_Equivalents(t *testing.T) {
	want := "https://www.linkedin.com/in/jane-doe"
	inputs := []string{
		"https://www.linkedin.com/in/jane-doe",
		"https://www.linkedin.com/in/jane-doe/",
		"https://www.linkedin.com/in/jane-doe///",
		"HTTPS://WWW.LinkedIn.com/in/Jane-Doe",
		"https://m.linkedin.com/in/jane-doe",
		"http://linkedin.com/in/jane-doe",
		"www.linkedin.com/in/jane-doe?utm_source=share",
		"https://www.linkedin.com/in/jane-doe#about",
		"  https://www.linkedin.com//in/jane-doe/?trk=x#frag  ",
	}
	for _, in := range inputs {
		got, err := CanonicalURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestCanonicalURL_Idempotent(t *testing.T) {
	inputs := []string{
		"https://m.linkedin.com/in/J%C3%A9r%C3%B4me/",
		"linkedin.com/in/someone?x=1",
		"https://www.linkedin.com/company/acme/",
	}
	for _, in := range inputs {
		once, err := CanonicalURL(in)
		require.NoError(t, err)
		twice, err := CanonicalURL(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestCanonicalURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "https://"} {
		_, err := CanonicalURL(in)
		assert.ErrorIs(t, err, ErrInvalidProfileURL, in)
	}
}
