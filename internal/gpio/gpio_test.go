package gpio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenRejectsUnknownPin(t *testing.T) {
	_, err := Open("not-a-real-pin")
	require.Error(t, err)
}
