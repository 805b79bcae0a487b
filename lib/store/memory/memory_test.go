package memory

import (
	"testing"

	"github.com/wickethq/wicket/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	storetest.Common(t, factory{}, nil)
}
