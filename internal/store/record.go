package store

import "context"

type (
	// Key is the type of the primary record identifier used in the
	// database. The store holds as many as one version chain for each
	// unique key.
	Key []byte
	// Value is the type of payload stored by each record in the database.
	//
	// A record's value can be empty (a byte vector of length zero).
	Value []byte
)

func copyInto[V ~[]byte, U ~[]byte](dst *V, v U) int {
	length := len(v)
	if cap(*dst) < length {
		*dst = make([]byte, length)
	} else if len(*dst) != length {
		*dst = (*dst)[:length]
	}
	return copy(*dst, v)
}

// CopyFrom copies the content from the given other value into this value.
func (v *Value) CopyFrom(o Value) int {
	return copyInto(v, o)
}

// CopyInto copies the content from this value into the given other value,
// which must not be nil.
func (v Value) CopyInto(o *Value) int {
	return copyInto(o, v)
}

// version is the payload a Resource holds for one record: the value at that
// point in the chain. It implements timely.PrunableVersion; a byte-slice
// payload holds no external resource to release, so Prune does nothing
// and always reports success.
type version struct {
	value Value
}

// Prune releases whatever resources this version holds once the engine has
// determined no transaction can observe it any longer. A byte-slice payload
// owns nothing beyond Go's garbage collector already reclaims, so Prune
// always reports that it freed the version without doing further work.
func (v *version) Prune(ctx context.Context) (bool, error) {
	return true, nil
}
