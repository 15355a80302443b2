// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package graphstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mcstats/ping-aggregation/model"
)

const (
	sep byte = 0x00

	tagData byte = 'd'
)

// Field numbers of the encoded GeneratedData message.
const (
	fieldSum   protowire.Number = 1
	fieldCount protowire.Number = 2
	fieldMax   protowire.Number = 3
	fieldMin   protowire.Number = 4
)

var errInvalidName = errors.New("graph and column names must not contain NUL bytes")

// Key identifies one stored value. The binary representation orders keys by
// plugin, then graph, then column and finally bucket so that the series of
// a column is a contiguous range.
type Key struct {
	PluginID int
	Graph    string
	Column   string
	Bucket   model.Bucket
}

// MarshalBinary encodes the key. The first byte is the record tag, followed
// by the plugin id as 4 order-preserving bytes, the lower-cased graph name
// and the column name, each NUL terminated, and the bucket as 8
// order-preserving bytes.
func (k Key) MarshalBinary() ([]byte, error) {
	if bytes.IndexByte([]byte(k.Graph), sep) >= 0 || bytes.IndexByte([]byte(k.Column), sep) >= 0 {
		return nil, errInvalidName
	}
	data := seriesPrefix(k.PluginID, k.Graph, k.Column)
	return binary.BigEndian.AppendUint64(data, uint64(k.Bucket)^(1<<63)), nil
}

// UnmarshalBinary decodes a key encoded with MarshalBinary.
func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) < 1+4+1+1+8 || data[0] != tagData {
		return errors.New("invalid encoded key")
	}
	k.PluginID = int(int32(binary.BigEndian.Uint32(data[1:5]) ^ (1 << 31)))
	rest := data[5 : len(data)-8]
	parts := bytes.Split(rest, []byte{sep})
	if len(parts) != 3 || len(parts[2]) != 0 {
		return errors.New("invalid encoded key names")
	}
	k.Graph = string(parts[0])
	k.Column = string(parts[1])
	k.Bucket = model.Bucket(int64(binary.BigEndian.Uint64(data[len(data)-8:]) ^ (1 << 63)))
	return nil
}

func pluginPrefix(pluginID int) []byte {
	data := make([]byte, 0, 64)
	data = append(data, tagData)
	return binary.BigEndian.AppendUint32(data, uint32(int32(pluginID))^(1<<31))
}

func graphPrefix(pluginID int, graph string) []byte {
	data := pluginPrefix(pluginID)
	data = append(data, graph...)
	return append(data, sep)
}

func seriesPrefix(pluginID int, graph, column string) []byte {
	data := graphPrefix(pluginID, graph)
	data = append(data, column...)
	return append(data, sep)
}

// prefixUpperBound returns the smallest key greater than every key starting
// with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func marshalData(d *model.GeneratedData) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSum, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Sum))
	b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Count))
	b = protowire.AppendTag(b, fieldMax, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Max))
	b = protowire.AppendTag(b, fieldMin, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Min))
	return b
}

func unmarshalData(b []byte) (model.GeneratedData, error) {
	d := model.GeneratedData{Max: math.MinInt64, Min: math.MaxInt64}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("failed to decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return d, fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldSum:
			d.Sum = protowire.DecodeZigZag(v)
		case fieldCount:
			d.Count = protowire.DecodeZigZag(v)
		case fieldMax:
			d.Max = protowire.DecodeZigZag(v)
		case fieldMin:
			d.Min = protowire.DecodeZigZag(v)
		}
	}
	return d, nil
}
