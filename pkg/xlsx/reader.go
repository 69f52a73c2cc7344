// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package xlsx reads spreadsheet files into the snapshot model. It is the
// only package that knows about the xlsx/xlsm container format.
package xlsx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/snapshot"
)

// 📖 Reader turns a local spreadsheet file into structured cell data.
type Reader struct{}

// 🏭 New creates a new spreadsheet reader
func New() *Reader {
	return &Reader{}
}

// 📖 ReadSnapshot reads every sheet of the file at path into a snapshot.
// Sheets with no data cells are omitted. For formula cells the Value field
// carries the evaluated result the file stored, and Cached carries the raw
// stored result for the classifier's optional verification step.
func (r *Reader) ReadSnapshot(ctx context.Context, path string) (*snapshot.Snapshot, error) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	snap := snapshot.New()
	for _, sheetName := range f.GetSheetList() {
		sheet, err := r.readSheet(f, sheetName)
		if err != nil {
			return nil, errors.Errorf("reading sheet %s: %w", sheetName, err)
		}
		if len(sheet) > 0 {
			snap.Sheets[sheetName] = sheet
		}
	}

	logger.Debug().
		Str("path", path).
		Int("sheets", len(snap.Sheets)).
		Dur("elapsed", time.Since(start)).
		Msg("workbook read")

	return snap, nil
}

// readSheet collects every cell with a formula or a value.
func (r *Reader) readSheet(f *excelize.File, sheetName string) (snapshot.Sheet, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, errors.Errorf("listing rows: %w", err)
	}

	sheet := snapshot.Sheet{}
	for rowIdx, row := range rows {
		for colIdx, value := range row {
			addr, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
			if err != nil {
				return nil, errors.Errorf("resolving cell address: %w", err)
			}

			formula, err := f.GetCellFormula(sheetName, addr)
			if err != nil {
				// A cell whose formula cannot be decoded still counts by value.
				formula = ""
			}

			cell := snapshot.Cell{Formula: formula, Value: value}
			if formula != "" {
				if raw, err := f.GetCellValue(sheetName, addr, excelize.Options{RawCellValue: true}); err == nil {
					cell.Cached = raw
				}
			}
			if !cell.IsZero() {
				sheet[addr] = cell
			}
		}
	}
	return sheet, nil
}

// 👤 LastAuthor returns the name of the user who last saved the file, or ""
// if the document properties do not record one.
func (r *Reader) LastAuthor(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", errors.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	props, err := f.GetDocProps()
	if err != nil {
		return "", errors.Errorf("reading document properties: %w", err)
	}
	return props.LastModifiedBy, nil
}
