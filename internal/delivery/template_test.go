package delivery

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		fields   Fields
		want     string
	}{
		{"title only", "Title: {title}", Fields{Title: "A"}, "Title: A"},
		{"all fields", "{url}|{title}|{channel}", Fields{URL: "u", Title: "t", Channel: "c"}, "u|t|c"},
		{"empty fields", "[{channel}]", Fields{}, "[]"},
		{"unknown token", "{foo} {title}", Fields{Title: "x"}, "{foo} x"},
		{"case sensitive", "{URL}", Fields{URL: "u"}, "{URL}"},
		{"repeated", "{title}{title}", Fields{Title: "ab"}, "abab"},
		{"no recursion", "{title}", Fields{Title: "{url}", URL: "u"}, "{url}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.template, tt.fields))
		})
	}
}

func TestRenderHTML(t *testing.T) {
	out, err := RenderHTML(BuildBlocks("Line \"1\" & <2>\n\nend"))
	require.NoError(t, err)
	assert.Equal(t, "<p>Line &#34;1&#34; &amp; &lt;2&gt;</p><p><br/></p><p>end</p>", out)

	out, err = RenderHTML(BuildBlocks(""))
	require.NoError(t, err)
	assert.Equal(t, "<p><br/></p>", out, "an empty prompt is one blank line")
}

func TestBuildBlocks_TrailingNewline(t *testing.T) {
	want := []Block{{"a"}, {""}}
	if diff := cmp.Diff(want, BuildBlocks("a\r\n")); diff != "" {
		t.Errorf("BuildBlocks mismatch (-want +got):\n%s", diff)
	}
}
