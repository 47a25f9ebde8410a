package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, c Classifier, host string) bool {
	t.Helper()
	result, err := c.Classify(ClassifierInput{host: host})
	require.NoError(t, err)
	return result
}

func TestClassifierDomainOps(t *testing.T) {
	tests := []struct {
		name   string
		op     config.ClassifierOp
		domain string
		host   string
		want   bool
	}{
		{"equal match", config.ClassifierOpEqual, "example.com", "example.com", true},
		{"equal subdomain no match", config.ClassifierOpEqual, "example.com", "www.example.com", false},
		{"not equal", config.ClassifierOpNotEqual, "example.com", "other.com", true},
		{"contains", config.ClassifierOpContains, "ample", "example.com", true},
		{"not contains", config.ClassifierOpNotContains, "ample", "other.com", true},
		{"is exact", config.ClassifierOpIs, "example.com", "example.com", true},
		{"is subdomain", config.ClassifierOpIs, "example.com", "api.v2.example.com", true},
		{"is suffix but not label boundary", config.ClassifierOpIs, "example.com", "notexample.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := CompileClassifier(&config.ClassifierDomain{Op: tt.op, Domain: tt.domain})
			require.NoError(t, err)
			assert.Equal(t, tt.want, classify(t, compiled, tt.host))
		})
	}
}

func TestClassifierLogical(t *testing.T) {
	and, err := CompileClassifier(&config.ClassifierAnd{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.com"},
		&config.ClassifierNot{Classifier: &config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "blocked.example.com"}},
	}})
	require.NoError(t, err)

	assert.True(t, classify(t, and, "www.example.com"))
	assert.False(t, classify(t, and, "blocked.example.com"))
	assert.False(t, classify(t, and, "other.com"))

	tr, err := CompileClassifier(&config.ClassifierTrue{})
	require.NoError(t, err)
	assert.True(t, classify(t, tr, "anything"))

	fa, err := CompileClassifier(&config.ClassifierFalse{})
	require.NoError(t, err)
	assert.False(t, classify(t, fa, "anything"))
}

func TestClassifierNetworkAndPort(t *testing.T) {
	network, err := CompileClassifier(&config.ClassifierNetwork{CIDR: "10.0.0.0/8"})
	require.NoError(t, err)

	match, err := network.Classify(ClassifierInput{host: "example.com", remoteIP: "10.1.2.3"})
	require.NoError(t, err)
	assert.True(t, match)

	match, err = network.Classify(ClassifierInput{host: "example.com", remoteIP: "192.168.1.1"})
	require.NoError(t, err)
	assert.False(t, match)

	_, err = network.Classify(ClassifierInput{host: "example.com"})
	assert.Error(t, err, "missing remote IP should error")

	_, err = CompileClassifier(&config.ClassifierNetwork{CIDR: "not-a-cidr"})
	assert.Error(t, err)

	port, err := CompileClassifier(&config.ClassifierPort{Port: 443})
	require.NoError(t, err)
	match, err = port.Classify(ClassifierInput{host: "example.com", remotePort: 443})
	require.NoError(t, err)
	assert.True(t, match)
	match, err = port.Classify(ClassifierInput{host: "example.com", remotePort: 80})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestCompileClassifiersMapRefs(t *testing.T) {
	compiled, err := CompileClassifiersMap(map[string]config.Classifier{
		// "internal" is defined after "blocked" alphabetically reversed,
		// refs must resolve regardless of map order.
		"blocked": &config.ClassifierOr{Classifiers: []config.Classifier{
			&config.ClassifierRef{Id: "internal"},
			&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "evil.example.com"},
		}},
		"internal": &config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "corp.internal"},
	})
	require.NoError(t, err)

	assert.True(t, classify(t, compiled["blocked"], "db.corp.internal"))
	assert.True(t, classify(t, compiled["blocked"], "evil.example.com"))
	assert.False(t, classify(t, compiled["blocked"], "example.com"))
}

func TestOrClassifierOptimization(t *testing.T) {
	t.Run("all equal domains collapse to a set", func(t *testing.T) {
		or := &config.ClassifierOr{Classifiers: []config.Classifier{
			&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "a.example.com"},
			&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "b.example.com"},
			&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "c.example.com"},
		}}
		compiled, err := CompileClassifier(or)
		require.NoError(t, err)

		set, ok := compiled.(*ClassifierDomainSet)
		require.True(t, ok, "expected trie-backed set, got %T", compiled)
		assert.False(t, set.Subdomains)

		assert.True(t, classify(t, compiled, "b.example.com"))
		assert.False(t, classify(t, compiled, "www.b.example.com"))
		assert.False(t, classify(t, compiled, "d.example.com"))
	})

	t.Run("is domains match subdomains", func(t *testing.T) {
		or := &config.ClassifierOr{Classifiers: []config.Classifier{
			&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.com"},
			&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.org"},
		}}
		compiled, err := CompileClassifier(or)
		require.NoError(t, err)

		set, ok := compiled.(*ClassifierDomainSet)
		require.True(t, ok)
		assert.True(t, set.Subdomains)

		assert.True(t, classify(t, compiled, "deep.www.example.org"))
		assert.False(t, classify(t, compiled, "notexample.com"))
	})

	t.Run("mixed ops stay a plain or", func(t *testing.T) {
		or := &config.ClassifierOr{Classifiers: []config.Classifier{
			&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "a.example.com"},
			&config.ClassifierDomain{Op: config.ClassifierOpContains, Domain: "tracker"},
		}}
		compiled, err := CompileClassifier(or)
		require.NoError(t, err)

		_, ok := compiled.(*ClassifierOr)
		require.True(t, ok, "mixed OR must not be optimized, got %T", compiled)
		assert.True(t, classify(t, compiled, "my-tracker.net"))
	})
}

func writeDomainsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDomainsFile(t *testing.T) {
	path := writeDomainsFile(t, `
# comment line
; other comment style
ads.example.com
0.0.0.0 tracker.example.net
*.wildcard.example.org  # trailing comment

0.0.0.0 localhost
`)

	domains, err := loadDomainsFile(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"ads.example.com",
		"tracker.example.net",
		"wildcard.example.org",
		"localhost",
	}, domains)
}

func TestClassifierDomainsFile(t *testing.T) {
	path := writeDomainsFile(t, "ads.example.com\ntracker.example.net\n")

	compiled, err := CompileClassifier(&config.ClassifierDomainsFile{FilePath: path})
	require.NoError(t, err)

	assert.True(t, classify(t, compiled, "ads.example.com"))
	assert.True(t, classify(t, compiled, "sub.tracker.example.net"), "domains files match subdomains")
	assert.False(t, classify(t, compiled, "example.com"))

	_, err = CompileClassifier(&config.ClassifierDomainsFile{FilePath: filepath.Join(t.TempDir(), "missing.txt")})
	assert.Error(t, err)
}
