package boltpersistence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/internal/x/bboltx"
	"github.com/obflow/obflow/process"
	"github.com/obflow/obflow/value"
)

// definitionRecord is the stored form of a persistence.Definition.
type definitionRecord struct {
	ProcessKey string           `json:"processKey"`
	Version    value.Hash       `json:"version"`
	Program    *compile.Program `json:"program"`
	DeployedAt time.Time        `json:"deployedAt"`
}

// instanceRecord is the stored form of a process.Instance.
//
// The revision is stored explicitly because it is excluded from the
// instance's own JSON representation.
type instanceRecord struct {
	Revision uint64           `json:"rev"`
	Instance process.Instance `json:"instance"`
}

// jobRecord is the stored form of a process.Job.
type jobRecord struct {
	Revision uint64      `json:"rev"`
	Job      process.Job `json:"job"`
}

// marshalJSON marshals v, halting the enclosing transaction on failure.
func marshalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	bboltx.Must(err)
	return data
}

// unmarshalJSON unmarshals data into v, halting the enclosing transaction on
// failure.
func unmarshalJSON(data []byte, v interface{}) {
	bboltx.Must(json.Unmarshal(data, v))
}

// marshalUint64 marshals a uint64 to its big-endian binary representation,
// suitable for use as an ordered bucket key.
func marshalUint64(n uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, n)
	return data
}

// unmarshalUint64 unmarshals a uint64 from its big-endian binary
// representation.
func unmarshalUint64(data []byte) uint64 {
	if len(data) != 8 {
		bboltx.Must(fmt.Errorf("data is %d byte(s), expected 8", len(data)))
	}

	return binary.BigEndian.Uint64(data)
}
