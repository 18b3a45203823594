// Package channels lists the channel names of an archive.
package channels

import (
	"context"
	"regexp"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/basekick-labs/pvexport/internal/archive"
)

// Compile validates pattern. An empty pattern returns a nil matcher, which
// accepts every name.
func Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, archive.Errorf(archive.ErrInvalidPattern, err, "%q", pattern)
	}
	return re, nil
}

// List walks the catalog once and returns the distinct names matching pattern in
// ascending byte order. A match anywhere in the name counts. The result is never
// nil; nothing is returned on failure.
func List(ctx context.Context, cat archive.Catalog, pattern string) ([]string, error) {
	re, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	return Filter(ctx, cat, re)
}

// Filter is List with an already compiled matcher.
func Filter(ctx context.Context, cat archive.Catalog, re *regexp.Regexp) ([]string, error) {
	txn := iradix.New().Txn()
	for cat.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := cat.Name()
		if re != nil && !re.MatchString(name) {
			continue
		}
		txn.Insert([]byte(name), struct{}{})
	}
	if err := cat.Err(); err != nil {
		if archive.KindOf(err) == nil {
			err = archive.Errorf(archive.ErrCatalogUnavailable, err, "iterating channel names")
		}
		return nil, err
	}

	tree := txn.Commit()
	names := make([]string, 0, tree.Len())
	tree.Root().Walk(func(k []byte, _ interface{}) bool {
		names = append(names, string(k))
		return false
	})
	return names, nil
}
