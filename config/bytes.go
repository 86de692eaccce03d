package config

import (
	"github.com/alecthomas/units"
)

// Bytes is a byte count that unmarshals from either a bare integer or
// a size string such as "10MB" or "4GiB".
type Bytes int64

func (b Bytes) String() string {
	return units.Base2Bytes(b).String()
}

func (b *Bytes) Set(s string) error {
	n, err := units.ParseStrictBytes(s)
	if err != nil {
		return err
	}
	*b = Bytes(n)
	return nil
}

func (b *Bytes) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*b = Bytes(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Set(s)
}
