// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MAT-file level 5 data types and array classes used by encodeMAT.
const (
	miINT8   = 1
	miINT32  = 5
	miUINT32 = 6
	miDOUBLE = 9
	miMATRIX = 14
	mxDOUBLE = 6
)

// matVar is a double precision MATLAB variable, with values in column-major order.
type matVar struct {
	name       string
	dimensions []int
	values     []float64
}

func matTag(buf *bytes.Buffer, dataType, numBytes int) {
	_ = binary.Write(buf, binary.LittleEndian, [2]uint32{uint32(dataType), uint32(numBytes)})
}

func matPad(buf *bytes.Buffer) {
	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
}

// encodeMAT writes a little-endian MAT-file (level 5) with the given variables, uncompressed.
func encodeMAT(vars ...matVar) []byte {
	var out bytes.Buffer
	header := fmt.Sprintf("MATLAB 5.0 MAT-file, Platform: GLNXA64, Created on: %s",
		time.Date(2024, 3, 7, 10, 20, 30, 0, time.UTC).Format(time.ANSIC))
	out.WriteString(header + strings.Repeat(" ", 116-len(header)))
	out.Write(make([]byte, 8))              // Subsystem data offset.
	out.Write([]byte{0x00, 0x01, 'I', 'M'}) // Version and endianness.
	for _, v := range vars {
		var payload bytes.Buffer
		matTag(&payload, miUINT32, 8)
		_ = binary.Write(&payload, binary.LittleEndian, [2]uint32{mxDOUBLE, 0})
		matTag(&payload, miINT32, 4*len(v.dimensions))
		for _, dim := range v.dimensions {
			_ = binary.Write(&payload, binary.LittleEndian, int32(dim))
		}
		matPad(&payload)
		matTag(&payload, miINT8, len(v.name))
		payload.WriteString(v.name)
		matPad(&payload)
		matTag(&payload, miDOUBLE, 8*len(v.values))
		_ = binary.Write(&payload, binary.LittleEndian, v.values)
		matTag(&out, miMATRIX, payload.Len())
		out.Write(payload.Bytes())
	}
	return out.Bytes()
}

// testMATVars returns the model variables as exported by MATLAB, with recognizable values:
// element (i, j) of the weights is i+1000*j, and element (h, w) of the mean is 100*h+w.
func testMATVars(withStddev bool) []matVar {
	matrix := func(name string, rows, cols int, fn func(i, j int) float64) matVar {
		v := matVar{name: name, dimensions: []int{rows, cols}, values: make([]float64, rows*cols)}
		for j := range cols {
			for i := range rows {
				v.values[i+rows*j] = fn(i, j)
			}
		}
		return v
	}
	weights := func(i, j int) float64 { return float64(i + 1000*j) }
	bias := func(i, _ int) float64 { return float64(i) }
	vars := []matVar{
		matrix(MATHiddenWeights, HiddenUnits, Height*Width*Depth, weights),
		matrix(MATHiddenBias, HiddenUnits, 1, bias),
		matrix(MATLogitsWeights, NumClasses, HiddenUnits, weights),
		matrix(MATLogitsBias, NumClasses, 1, bias),
		matrix(MATMean, Height, Width, func(h, w int) float64 { return float64(100*h + w) }),
	}
	if withStddev {
		vars = append(vars, matrix(MATStandardDeviation, Height, Width, func(h, w int) float64 {
			if h == 0 && w == 1 {
				return 3
			}
			return 2
		}))
	}
	return vars
}

func denseVariable(t *testing.T, ctx *context.Context, layerName, name string) []float32 {
	scope := context.RootScope + ModelScope + context.ScopeSeparator + layerName + context.ScopeSeparator + denseSubScope
	v := ctx.GetVariableByScopeAndName(scope, name)
	require.NotNilf(t, v, "variable %s/%s", scope, name)
	return tensors.MustCopyFlatData[float32](v.MustValue())
}

func TestImportMAT(t *testing.T) {
	filePath := path.Join(t.TempDir(), "weights.mat")
	require.NoError(t, os.WriteFile(filePath, encodeMAT(testMATVars(true)...), 0644))
	ctx := context.New()
	require.NoError(t, ImportMATFile(ctx, filePath))

	// Dense weights [inputs, outputs]: element [j][i] is MATLAB's (i, j).
	hiddenWeights := denseVariable(t, ctx, HiddenName, weightsVariable)
	require.Len(t, hiddenWeights, Height*Width*Depth*HiddenUnits)
	assert.Equal(t, float32(2+1000*10), hiddenWeights[10*HiddenUnits+2])
	logitsWeights := denseVariable(t, ctx, LogitsName, weightsVariable)
	assert.Equal(t, float32(7+1000*100), logitsWeights[100*NumClasses+7])
	assert.Equal(t, float32(5), denseVariable(t, ctx, LogitsName, biasesVariable)[5])

	// Normalization statistics are transposed to row-major [Height, Width, Depth].
	mean := tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName(NormalizationScope, MeanVariable).MustValue())
	assert.Equal(t, float32(305), mean[3*Width+5])
	assert.Equal(t, float32(1), mean[1])
	varianceVar := ctx.GetVariableByScopeAndName(NormalizationScope, VarianceVariable)
	assert.False(t, varianceVar.Trainable)
	variance := tensors.MustCopyFlatData[float32](varianceVar.MustValue())
	assert.Equal(t, float32(9), variance[1])
	assert.Equal(t, float32(4), variance[Width])

	// The imported model runs.
	m, err := New(testBackend(t), ctx)
	require.NoError(t, err)
	defer m.Finalize()
	probs, err := m.Predict(constantImages(0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, NumClasses}, probs.Shape().Dimensions)
}

func TestImportMATWithoutStddev(t *testing.T) {
	ctx := context.New()
	require.NoError(t, ImportMAT(ctx, bytes.NewReader(encodeMAT(testMATVars(false)...))))
	variance := tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName(NormalizationScope, VarianceVariable).MustValue())
	for _, v := range variance {
		require.Equal(t, float32(1), v)
	}
}

func TestImportMATErrors(t *testing.T) {
	valid := encodeMAT(testMATVars(true)...)
	header := valid[:128]

	// A top-level element that is not a matrix makes the parser panic.
	notMatrix := append(bytes.Clone(header), make([]byte, 16)...)
	binary.LittleEndian.PutUint32(notMatrix[128:], miINT8)
	binary.LittleEndian.PutUint32(notMatrix[132:], 8)
	var err error
	require.NotPanics(t, func() { err = ImportMAT(context.New(), bytes.NewReader(notMatrix)) })
	require.Error(t, err)

	// Truncated file.
	err = ImportMAT(context.New(), bytes.NewReader(valid[:len(valid)-100]))
	require.ErrorContains(t, err, "truncated or malformed")

	// Not a MATLAB file.
	require.Error(t, ImportMAT(context.New(), strings.NewReader("label,pixel1\n")))

	// Missing variable.
	err = ImportMAT(context.New(), bytes.NewReader(encodeMAT(testMATVars(true)[1:]...)))
	require.ErrorContains(t, err, MATHiddenWeights)

	// Wrong number of elements.
	vars := testMATVars(false)
	vars[4].values = vars[4].values[:10]
	vars[4].dimensions = []int{10, 1}
	err = ImportMAT(context.New(), bytes.NewReader(encodeMAT(vars...)))
	require.ErrorContains(t, err, MATMean)

	require.Error(t, ImportMATFile(context.New(), "/nonexistent/weights.mat"))
}

func TestColumnMajorToRowMajor(t *testing.T) {
	// Column-major 2x3 matrix [[1, 2, 3], [4, 5, 6]].
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, ColumnMajorToRowMajor([]int{1, 4, 2, 5, 3, 6}, 2, 3))
	// Trailing axis of size 1 doesn't change the result.
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, ColumnMajorToRowMajor([]int{1, 4, 2, 5, 3, 6}, 2, 3, 1))
	// 2x2x2: element (i, j, k) holds 100i+10j+k.
	colMajor := []int{0, 100, 10, 110, 1, 101, 11, 111}
	assert.Equal(t, []int{0, 1, 10, 11, 100, 101, 110, 111}, ColumnMajorToRowMajor(colMajor, 2, 2, 2))
}
