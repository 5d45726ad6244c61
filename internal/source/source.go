package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

// ErrNotFound means the target exists in no form the source can see.
// The poller treats it as an empty result, not a failure.
var ErrNotFound = errors.New("target not found")

// ItemSource returns the items currently visible for a target identity
type ItemSource interface {
	FetchItems(ctx context.Context, identity string) ([]models.RawItem, error)
}

// FetchError is any other failure to obtain or interpret the item list
type FetchError struct {
	Identity   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Identity, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Identity, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
