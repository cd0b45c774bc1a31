package util

import "encoding/json"

// EncoderDecoder converts queue payloads to and from their wire form.
type EncoderDecoder[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

// JsonEncDec is the json implementation used for work items.
type JsonEncDec[T any] struct{}

var _ EncoderDecoder[any] = new(JsonEncDec[any])

func NewJsonEncoderDecoder[T any]() *JsonEncDec[T] {
	return &JsonEncDec[T]{}
}

func (encdec *JsonEncDec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (encdec *JsonEncDec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
