package model

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// VocabularyFile is the sidecar holding one class label per line.
const VocabularyFile = "class_names.txt"

const metadataKey = "__metadata__"

// maxDim bounds every dimension read from an artifact so a corrupt header
// cannot request an absurd allocation.
const maxDim = 1 << 20

// VocabularyPath returns the class_names.txt path that pairs with weightsPath.
func VocabularyPath(weightsPath string) string {
	return filepath.Join(filepath.Dir(weightsPath), VocabularyFile)
}

type tensorMeta struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// artifactMeta is stored in the safetensors __metadata__ block.
type artifactMeta struct {
	Backbone    string
	FeatureDim  int
	Hidden      int
	NumClasses  int
	VocabSize   int
	VocabSHA256 string
}

func (m artifactMeta) toMap() map[string]string {
	return map[string]string{
		"backbone":     m.Backbone,
		"feature_dim":  strconv.Itoa(m.FeatureDim),
		"hidden_units": strconv.Itoa(m.Hidden),
		"num_classes":  strconv.Itoa(m.NumClasses),
		"vocab_size":   strconv.Itoa(m.VocabSize),
		"vocab_sha256": m.VocabSHA256,
	}
}

func parseArtifactMeta(m map[string]string) (artifactMeta, error) {
	var out artifactMeta
	out.Backbone = m["backbone"]
	out.VocabSHA256 = m["vocab_sha256"]
	for key, dst := range map[string]*int{
		"feature_dim":  &out.FeatureDim,
		"hidden_units": &out.Hidden,
		"num_classes":  &out.NumClasses,
		"vocab_size":   &out.VocabSize,
	} {
		v, ok := m[key]
		if !ok {
			return out, fmt.Errorf("metadata missing %q", key)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("metadata %q: %w", key, err)
		}
		*dst = n
	}
	return out, nil
}

type namedTensor struct {
	name  string
	shape []int
	data  []float64
}

func (h *head) tensors() []namedTensor {
	return []namedTensor{
		{"batch_norm.beta", []int{h.hidden}, h.beta},
		{"batch_norm.gamma", []int{h.hidden}, h.gamma},
		{"batch_norm.moving_mean", []int{h.hidden}, h.movingMean},
		{"batch_norm.moving_variance", []int{h.hidden}, h.movingVar},
		{"dense.bias", []int{h.hidden}, h.b1},
		{"dense.kernel", []int{h.in, h.hidden}, h.w1},
		{"logits.bias", []int{h.out}, h.b2},
		{"logits.kernel", []int{h.hidden, h.out}, h.w2},
	}
}

// encodeWeights serializes the head as a safetensors document: an 8-byte
// little-endian header length, a JSON header, then F32 tensor data.
func encodeWeights(h *head, meta artifactMeta) ([]byte, error) {
	tensors := h.tensors()
	header := map[string]any{metadataKey: meta.toMap()}

	var body bytes.Buffer
	offset := 0
	for _, t := range tensors {
		size := len(t.data) * 4
		header[t.name] = tensorMeta{
			Dtype:       "F32",
			Shape:       t.shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		var buf [4]byte
		for _, v := range t.data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
			body.Write(buf[:])
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	out := make([]byte, 8, 8+len(headerJSON)+body.Len())
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, body.Bytes()...)
	return out, nil
}

// decodeWeights parses a safetensors document written by encodeWeights.
func decodeWeights(data []byte) (*head, artifactMeta, error) {
	var meta artifactMeta
	if len(data) < 8 {
		return nil, meta, fmt.Errorf("file too small: %d bytes", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, meta, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, meta, fmt.Errorf("failed to parse header: %w", err)
	}

	rawMeta, ok := header[metadataKey]
	if !ok {
		return nil, meta, fmt.Errorf("header has no %s", metadataKey)
	}
	var metaMap map[string]string
	if err := json.Unmarshal(rawMeta, &metaMap); err != nil {
		return nil, meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta, err := parseArtifactMeta(metaMap)
	if err != nil {
		return nil, meta, err
	}
	if !validDim(meta.FeatureDim) || !validDim(meta.Hidden) || !validDim(meta.NumClasses) {
		return nil, meta, fmt.Errorf("invalid dimensions in metadata: %+v", meta)
	}
	params := meta.FeatureDim*meta.Hidden + meta.Hidden*meta.NumClasses + 6*meta.Hidden + meta.NumClasses
	if available := uint64(len(data)) - 8 - headerLen; uint64(params)*4 > available {
		return nil, meta, fmt.Errorf("metadata describes %d parameters but only %d data bytes follow the header",
			params, available)
	}

	h := &head{
		in:         meta.FeatureDim,
		hidden:     meta.Hidden,
		out:        meta.NumClasses,
		w1:         make([]float64, meta.FeatureDim*meta.Hidden),
		b1:         make([]float64, meta.Hidden),
		gamma:      make([]float64, meta.Hidden),
		beta:       make([]float64, meta.Hidden),
		movingMean: make([]float64, meta.Hidden),
		movingVar:  make([]float64, meta.Hidden),
		w2:         make([]float64, meta.Hidden*meta.NumClasses),
		b2:         make([]float64, meta.NumClasses),
	}

	dataStart := int(8 + headerLen)
	for _, t := range h.tensors() {
		raw, ok := header[t.name]
		if !ok {
			return nil, meta, fmt.Errorf("tensor %q not found in header", t.name)
		}
		var tm tensorMeta
		if err := json.Unmarshal(raw, &tm); err != nil {
			return nil, meta, fmt.Errorf("tensor %q: %w", t.name, err)
		}
		if tm.Dtype != "F32" {
			return nil, meta, fmt.Errorf("tensor %q: expected dtype F32, got %s", t.name, tm.Dtype)
		}
		if !equalShape(tm.Shape, t.shape) {
			return nil, meta, fmt.Errorf("tensor %q: shape %v, want %v", t.name, tm.Shape, t.shape)
		}
		start := dataStart + tm.DataOffsets[0]
		end := dataStart + tm.DataOffsets[1]
		if end-start != len(t.data)*4 || start < dataStart || end > len(data) {
			return nil, meta, fmt.Errorf("tensor %q: data range [%d:%d] invalid for %d bytes",
				t.name, start, end, len(data))
		}
		for i := range t.data {
			bits := binary.LittleEndian.Uint32(data[start+i*4 : start+i*4+4])
			t.data[i] = float64(math.Float32frombits(bits))
		}
	}
	return h, meta, nil
}

func validDim(n int) bool { return n >= 1 && n <= maxDim }

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// vocabularyHash fingerprints an ordered vocabulary.
func vocabularyHash(labels []string) string {
	sum := sha256.Sum256([]byte(strings.Join(labels, "\n")))
	return hex.EncodeToString(sum[:])
}

func encodeVocabulary(labels []string) []byte {
	var buf bytes.Buffer
	for _, l := range labels {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// checkVocabulary rejects labels that cannot survive a round trip through
// class_names.txt.
func checkVocabulary(labels []string) error {
	for i, l := range labels {
		if l == "" || strings.ContainsAny(l, "\r\n") {
			return fmt.Errorf("%w: label %d (%q) is empty or spans lines", ErrVocabularyMismatch, i, l)
		}
	}
	return nil
}

// readVocabulary reads one label per line, preserving order and any
// surrounding spaces. CRLF line endings and trailing blank lines are ignored.
func readVocabulary(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var labels []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		labels = append(labels, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	return labels, nil
}

// writeFileAtomic writes data next to path and renames it into place so a
// crash never leaves a truncated artifact behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
