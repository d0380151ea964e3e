package html

import (
	"strings"
	"testing"
)

func TestText(t *testing.T) {
	testCases := []struct {
		description string
		input       string
		expected    string
	}{
		{
			description: "paragraphs and inline elements",
			input:       `<p>Hello  <b>world</b></p><p>Bye</p>`,
			expected:    "Hello world\n\nBye",
		},
		{
			description: "unordered list",
			input:       `<ul><li>one</li><li>two</li></ul>`,
			expected:    "- one\n- two",
		},
		{
			description: "link with a caption",
			input:       `<p>Read <a href="https://example.com/docs">the docs</a> now.</p>`,
			expected:    "Read the docs (https://example.com/docs) now.",
		},
		{
			description: "link whose caption is the target",
			input:       `<a href="https://example.com">https://example.com</a>`,
			expected:    "https://example.com",
		},
		{
			description: "fragment links are not expanded",
			input:       `<a href="#top">back to top</a>`,
			expected:    "back to top",
		},
		{
			description: "scripts and styles are dropped",
			input: `<html><head><title>x</title><style>p {}</style></head>
<body><p>visible</p><script>var hidden = 1;</script></body></html>`,
			expected: "visible",
		},
		{
			description: "line breaks",
			input:       `line one<br>line two<br><br>line three`,
			expected:    "line one\nline two\n\nline three",
		},
		{
			description: "empty document",
			input:       ``,
			expected:    "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			s, err := Text(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s != tc.expected {
				t.Errorf("wanted %q but got %q", tc.expected, s)
			}
		})
	}
}
