package observables

import (
	"testing"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

// FuzzNormalize checks that normalisation is idempotent, which is what makes
// (type, normalized value) a stable identity key.
func FuzzNormalize(f *testing.F) {
	for _, seed := range []string{"1.2.3.4", " AS064500 ", "Example.COM..", "https://x.test/a", "0", "as", ""} {
		f.Add(seed)
	}
	types := []schemas.ObservableType{
		schemas.ObservableIPv4, schemas.ObservableASN, schemas.ObservableHostname, schemas.ObservableURL,
	}

	f.Fuzz(func(t *testing.T, value string) {
		for _, typ := range types {
			once, err := Normalize(typ, value)
			if err != nil {
				continue
			}
			twice, err := Normalize(typ, once)
			if err != nil {
				t.Fatalf("%s: normalized value %q rejected: %v", typ, once, err)
			}
			if once != twice {
				t.Fatalf("%s: not idempotent: %q -> %q -> %q", typ, value, once, twice)
			}
		}
	})
}
