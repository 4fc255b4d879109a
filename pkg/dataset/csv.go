// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"io"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/pkg/errors"
)

// LabelColumn is the name of the labels column in CSV files.
const LabelColumn = "label"

// PixelColumn returns the name of the CSV column holding pixel ii (0-based, row-major): "pixel1" to "pixel784".
func PixelColumn(ii int) string {
	return fmt.Sprintf("pixel%d", ii+1)
}

// LoadCSV reads examples from a CSV file in the format distributed on Kaggle: a header with the columns
// "label", "pixel1", ..., "pixel784", and one example per row.
func LoadCSV(filePath string) (*Examples, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	examples, err := ReadCSV(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", filePath)
	}
	return examples, nil
}

// ReadCSV is like LoadCSV, but reads from r.
func ReadCSV(r io.Reader) (*Examples, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Int))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse CSV")
	}

	labels, err := intColumn(df, LabelColumn)
	if err != nil {
		return nil, err
	}
	examples := &Examples{
		Images: make([]Image, df.Nrow()),
		Labels: make([]uint8, df.Nrow()),
	}
	for row, label := range labels {
		if label < 0 || label >= model.NumClasses {
			return nil, errors.Errorf("row %d: label %d out of range [0, %d)", row, label, model.NumClasses)
		}
		examples.Labels[row] = uint8(label)
	}
	for pixel := range ImageSize {
		values, err := intColumn(df, PixelColumn(pixel))
		if err != nil {
			return nil, err
		}
		for row, value := range values {
			if value < 0 || value > 255 {
				return nil, errors.Errorf("row %d: %s value %d out of range [0, 255]", row, PixelColumn(pixel), value)
			}
			examples.Images[row][pixel] = byte(value)
		}
	}
	return examples, nil
}

func intColumn(df dataframe.DataFrame, name string) ([]int, error) {
	col := df.Col(name)
	if col.Err != nil {
		return nil, errors.Wrapf(col.Err, "missing column %q", name)
	}
	values, err := col.Int()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid values in column %q", name)
	}
	return values, nil
}
