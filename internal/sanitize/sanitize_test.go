package sanitize_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/iraniu/adsbot/internal/sanitize"
)

func TestCleanAdText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  error
	}{
		{
			name:     "plain text",
			input:    "Selling a bicycle, good condition.",
			expected: "Selling a bicycle, good condition.",
		},
		{
			name:     "whitespace collapsed",
			input:    "  Selling   a\tbicycle  \n\n\n\n  call me  ",
			expected: "Selling a bicycle\n\ncall me",
		},
		{
			name:     "control characters stripped",
			input:    "hello\x00world\x07!",
			expected: "helloworld!",
		},
		{
			name:    "html markup rejected",
			input:   "buy now <a href=\"http://x\">here</a>",
			wantErr: sanitize.ErrMarkup,
		},
		{
			name:    "script tag rejected",
			input:   "<script>alert(1)</script>",
			wantErr: sanitize.ErrMarkup,
		},
		{
			name:    "directional override rejected",
			input:   "price ‮000,1 USD",
			wantErr: sanitize.ErrInvisible,
		},
		{
			name:    "zero width space rejected",
			input:   "free​stuff",
			wantErr: sanitize.ErrInvisible,
		},
		{
			name:    "byte order mark rejected",
			input:   "cheap\uFEFF rent",
			wantErr: sanitize.ErrInvisible,
		},
		{
			name:    "isolate controls rejected",
			input:   "call ⁦now⁩",
			wantErr: sanitize.ErrInvisible,
		},
		{
			name:     "persian zwnj allowed",
			input:    "می‌خواهم",
			expected: "می‌خواهم",
		},
		{
			name:    "empty after cleaning",
			input:   "   \n\t  ",
			wantErr: sanitize.ErrEmpty,
		},
		{
			name:     "less-than without tag kept",
			input:    "price < 100",
			expected: "price < 100",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := sanitize.CleanAdText(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CleanAdText(%q) err = %v, want %v", tt.input, err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("CleanAdText(%q) unexpected error: %v", tt.input, err)
			}

			if got != tt.expected {
				t.Errorf("CleanAdText(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCleanAdTextCapsLength(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", sanitize.MaxAdLength+500)

	got, err := sanitize.CleanAdText(long)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len([]rune(got)); n != sanitize.MaxAdLength {
		t.Errorf("length = %d, want %d", n, sanitize.MaxAdLength)
	}
}
