package label

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Label(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{
			name: "chrome",
			ua:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36",
			want: "Chrome 120.0",
		},
		{
			name: "opera blink reports as opera",
			ua:   "Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36 OPR/100.0.0.0",
			want: "Opera 100.0",
		},
		{
			name: "firefox",
			ua:   "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			want: "Firefox 121.0",
		},
		{
			name: "internet explorer",
			ua:   "Mozilla/4.0 (compatible; MSIE 8.0; Windows NT 6.1)",
			want: "IE 8.0",
		},
		{
			name: "phantomjs",
			ua:   "Mozilla/5.0 (Unknown; Linux x86_64) AppleWebKit/538.1 (KHTML, like Gecko) PhantomJS/2.1.1 Safari/538.1",
			want: "PhantomJS 2.1",
		},
		{
			name: "iphone safari",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 13_2_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.0.3 Mobile/15E148 Safari/604.1",
			want: "iPhone Safari 13.0",
		},
		{
			name: "desktop safari",
			ua:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			want: "Safari 17.1",
		},
		{
			name: "unknown falls back to raw string",
			ua:   "go-runner/1.0",
			want: "go-runner/1.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Default.Label(tt.ua))
		})
	}
}

func TestTable_RuleOrderMatters(t *testing.T) {
	r, err := Compile(`(node)/v([0-9]+)`, "Node $1 $2")
	require.NoError(t, err)

	table := Default.With(r)
	assert.Equal(t, "Node node 20", table.Label("node/v20 Chrome/1.0"))
	assert.Equal(t, "Chrome 1.0", Default.Label("node/v20 Chrome/1.0"))
}

func TestCompile(t *testing.T) {
	r, err := Compile(`^(go)-runner/([0-9.]+)$`, "")
	require.NoError(t, err)
	assert.Equal(t, "go 1.2", Table{r}.Label("go-runner/1.2"))

	_, err = Compile(`(`, "")
	assert.Error(t, err)
}

func TestTable_FirstMatchWinsEvenWhenEmpty(t *testing.T) {
	blank := Rule{
		Pattern: regexp.MustCompile(`headless`),
		Extract: func([]string) string { return "" },
	}
	table := Default.With(blank)
	assert.Equal(t, "", table.Label("headless Chrome/120.0"))
}

func TestJoinGroups_KeepsEmptyGroups(t *testing.T) {
	re := regexp.MustCompile(`(Edge)?/?(Chrome)/([0-9]+)`)
	m := re.FindStringSubmatch("Chrome/120")
	require.NotNil(t, m)
	assert.Equal(t, " Chrome 120", JoinGroups(m))
	assert.Equal(t, " Chrome 120", Table{{Pattern: re}}.Label("Chrome/120"))
}
