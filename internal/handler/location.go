package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edvin/aggregator/internal/codec"
)

// MalformedTopologyError reports a control message element that cannot be
// registered as described. It aborts the element's subtree only.
type MalformedTopologyError struct {
	Element string
	Reason  string
}

func (e *MalformedTopologyError) Error() string {
	return fmt.Sprintf("malformed topology at %s: %s", e.Element, e.Reason)
}

// Is makes a MalformedTopologyError match codec.ErrMalformed.
func (e *MalformedTopologyError) Is(target error) bool {
	return target == codec.ErrMalformed
}

// BuildLocation renders a component instance path: every location segment
// followed by "." and its replication index, levels separated by "/", and
// the leaf name last.
//
//	BuildLocation([]string{"top", "tx"}, []int{1, 0}, "sender") == "top.1/tx.0/sender"
func BuildLocation(segments []string, indices []int, leaf string) (string, error) {
	if len(segments) != len(indices) {
		return "", &MalformedTopologyError{
			Element: leaf,
			Reason: fmt.Sprintf("%d location segments but %d replication indices",
				len(segments), len(indices)),
		}
	}

	var b strings.Builder
	for i, seg := range segments {
		b.WriteString(seg)
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(indices[i]))
		b.WriteByte('/')
	}
	b.WriteString(leaf)
	return b.String(), nil
}

// childPath is the path of a port or worker under an instance path.
func childPath(instancePath, name string) string {
	return instancePath + "/" + name
}
