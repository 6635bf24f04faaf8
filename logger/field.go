package logger

import (
	"strconv"
	"time"
)

// Field is a key-value annotation attached to a log record. The JSON
// printer treats the requestID key specially; everything else is folded
// into the message.
type Field interface {
	Key() string
	String() string
}

type Fields []Field

func (f *Fields) Add(fields ...Field) {
	*f = append(*f, fields...)
}

// field carries its value pre-rendered; records are formatted far more
// often than fields are constructed.
type field struct {
	key   string
	value string
}

func (f field) Key() string    { return f.key }
func (f field) String() string { return f.value }

func StringField(key, value string) Field {
	return field{key: key, value: value}
}

func IntField(key string, value int) Field {
	return field{key: key, value: strconv.Itoa(value)}
}

func DurationField(key string, value time.Duration) Field {
	return field{key: key, value: value.String()}
}
