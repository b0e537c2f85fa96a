package codec

import (
	"bytes"
	"errors"
	"strconv"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type product struct {
	SKU     string    `json:"sku" msgpack:"sku" cbor:"sku"`
	Price   float64   `json:"price" msgpack:"price" cbor:"price"`
	Tags    []string  `json:"tags" msgpack:"tags" cbor:"tags"`
	Updated time.Time `json:"updated" msgpack:"updated" cbor:"updated"`
}

func sampleProduct() product {
	return product{
		SKU:     "A-42",
		Price:   19.99,
		Tags:    []string{"sale"},
		Updated: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func checkProduct(t *testing.T, name string, c Codec[product]) {
	t.Helper()
	in := sampleProduct()
	body, err := c.Encode(in)
	if err != nil {
		t.Fatalf("%s encode: %v", name, err)
	}
	out, err := c.Decode(body)
	if err != nil {
		t.Fatalf("%s decode: %v", name, err)
	}
	if out.SKU != in.SKU || out.Price != in.Price || len(out.Tags) != 1 || !out.Updated.Equal(in.Updated) {
		t.Fatalf("%s round trip = %+v, want %+v", name, out, in)
	}
}

func TestStructCodecs(t *testing.T) {
	cborCodec, err := NewCBOR[product](false)
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	checkProduct(t, "json", JSON[product]{})
	checkProduct(t, "msgpack", Msgpack[product]{})
	checkProduct(t, "cbor", cborCodec)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	garbage := []byte{0xc1, 0xff, 0x00}
	if _, err := (JSON[product]{}).Decode(garbage); err == nil {
		t.Fatalf("json accepted garbage")
	}
	if _, err := (Msgpack[product]{}).Decode(garbage); err == nil {
		t.Fatalf("msgpack accepted garbage")
	}
	c, _ := NewCBOR[product](true)
	if _, err := c.Decode(garbage); err == nil {
		t.Fatalf("cbor accepted garbage")
	}
}

func TestDeterministicCBORIsStable(t *testing.T) {
	c, err := NewCBOR[map[string]int](true)
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	m := map[string]int{}
	for i := 0; i < 32; i++ {
		m["k"+strconv.Itoa(i)] = i
	}
	first, err := c.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := c.Encode(m)
		if !bytes.Equal(first, again) {
			t.Fatalf("deterministic encoding changed between runs")
		}
	}
}

func TestProtobuf(t *testing.T) {
	c := Protobuf[*wrapperspb.StringValue]{New: func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }}
	body, err := c.Encode(wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !proto.Equal(out, wrapperspb.String("hello")) {
		t.Fatalf("decoded %v", out)
	}

	if _, err := (Protobuf[*wrapperspb.StringValue]{}).Decode(body); err == nil {
		t.Fatalf("expected error without New")
	}
	if _, err := c.Decode([]byte{0xff}); err == nil {
		t.Fatalf("expected error for truncated message")
	}
}

func TestFunc(t *testing.T) {
	boom := errors.New("boom")
	c := Func[int]{
		EncodeFunc: func(v int) ([]byte, error) {
			if v < 0 {
				return nil, boom
			}
			return []byte(strconv.Itoa(v)), nil
		},
		DecodeFunc: func(b []byte) (int, error) { return strconv.Atoi(string(b)) },
	}
	body, err := c.Encode(7)
	if err != nil || string(body) != "7" {
		t.Fatalf("encode = %q, %v", body, err)
	}
	if n, err := c.Decode(body); err != nil || n != 7 {
		t.Fatalf("decode = %d, %v", n, err)
	}
	if _, err := c.Encode(-1); !errors.Is(err, boom) {
		t.Fatalf("encode error = %v", err)
	}
}
