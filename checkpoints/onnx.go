package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Minimal ONNX support: checkpoints are serialized as an ONNX ModelProto
// whose graph carries one initializer TensorProto per weight. Only the
// fields needed to round-trip weights are written and read; node lists
// and value infos are omitted.

// ONNX field numbers (onnx.proto3).
const (
	modelIRVersion   = 1
	modelProducer    = 2
	modelGraph       = 7
	graphName        = 2
	graphInitializer = 5
	tensorDims       = 1
	tensorDataType   = 2
	tensorFloatData  = 4
	tensorName       = 8
	tensorDocString  = 12
	onnxFloat        = 1 // TensorProto.DataType FLOAT
	irVersion        = 8
)

// SaveONNX writes the checkpoint to path as an ONNX model file.
func SaveONNX(path string, c *Checkpoint) error {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, c.Arch)
	for i := range c.Weights {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(&c.Weights[i]))
	}

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, irVersion)
	model = protowire.AppendTag(model, modelProducer, protowire.BytesType)
	model = protowire.AppendString(model, "go-transfer")
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	if err := os.WriteFile(path, model, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

func encodeTensor(w *WeightTensor) []byte {
	var b []byte
	for _, d := range w.Shape {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)

	packed := make([]byte, 0, len(w.Data)*4)
	for _, v := range w.Data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, tensorDocString, protowire.BytesType)
	b = protowire.AppendString(b, w.Layer)
	return b
}

// LoadONNX reads a checkpoint from an ONNX model file written by
// SaveONNX.
func LoadONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}

	c := &Checkpoint{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed ONNX model")
		}
		data = data[n:]

		if num == modelGraph && typ == protowire.BytesType {
			graph, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX graph")
			}
			if err := decodeGraph(graph, c); err != nil {
				return nil, err
			}
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("malformed ONNX model")
		}
		data = data[n:]
	}
	return c, nil
}

func decodeGraph(data []byte, c *Checkpoint) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed ONNX graph")
		}
		data = data[n:]

		switch {
		case num == graphName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("malformed graph name")
			}
			c.Arch = name
			data = data[n:]
		case num == graphInitializer && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("malformed initializer")
			}
			w, err := decodeTensor(raw)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, *w)
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("malformed ONNX graph")
			}
			data = data[n:]
		}
	}
	return nil
}

func decodeTensor(data []byte) (*WeightTensor, error) {
	w := &WeightTensor{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed tensor")
		}
		data = data[n:]

		switch {
		case num == tensorDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor dims")
			}
			w.Shape = append(w.Shape, int(v))
			data = data[n:]
		case num == tensorDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor data type")
			}
			if v != onnxFloat {
				return nil, fmt.Errorf("unsupported tensor data type %d", v)
			}
			data = data[n:]
		case num == tensorFloatData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor data")
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return nil, fmt.Errorf("malformed tensor data")
				}
				w.Data = append(w.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
			data = data[n:]
		case num == tensorName && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor name")
			}
			w.Name = name
			data = data[n:]
		case num == tensorDocString && typ == protowire.BytesType:
			doc, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor doc string")
			}
			w.Layer = doc
			data = data[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed tensor")
			}
			data = data[n:]
		}
	}
	return w, nil
}
