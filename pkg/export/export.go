// Package export renders selected products into an xlsx workbook.
package export

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
)

const (
	SheetName   = "Selected Products"
	FileName    = "selected-products.xlsx"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	notAvailable = "N/A"
)

var Columns = []string{
	"Item_No",
	"Price",
	"Specifications",
	"Dimensions",
	"Request Date",
	"Quote Date",
	"Factory Name",
	"Sample Status",
	"MOQ Loading Qty",
	"Program",
	"Score",
	"Volume",
	"Source",
}

// Rows flattens products into export rows. A product carrying variations
// contributes one row per variation; the parent supplies the columns that
// only exist at the product level.
func Rows(products []gateway.Product) [][]string {
	rows := [][]string{}
	for _, p := range products {
		if !p.HasVariation {
			rows = append(rows, row(p.Metadata, p.Metadata, p.Score))
			continue
		}
		for _, v := range p.FullData {
			score := v.Score
			if score == 0 {
				score = p.Score
			}
			rows = append(rows, row(v.Metadata, p.Metadata, score))
		}
	}
	return rows
}

func row(m, parent gateway.ProductMetadata, score float64) []string {
	return []string{
		m.ItemNum.String(),
		formatPrice(m.ExwQuotesPerPc),
		m.Specs,
		m.Dims.String(),
		parent.RequestDate,
		m.QuoteDate,
		m.FactoryName,
		parent.SampleStatus,
		m.MoqLoadingQty.String(),
		m.ProgramName,
		formatScore(score),
		parent.UVol.String(),
		parent.Source,
	}
}

func formatPrice(v gateway.Flex) string {
	if strings.TrimSpace(v.String()) == "" {
		return notAvailable
	}
	f, ok := v.Float()
	if !ok {
		f = 0
	}
	return strconv.FormatFloat(f, 'f', 0, 64) + "$"
}

func formatScore(s float64) string {
	if s == 0 {
		return notAvailable
	}
	return strconv.FormatFloat(s*100, 'f', 2, 64)
}

// Workbook builds the export workbook. The caller closes it.
func Workbook(products []gateway.Product) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "export: rename sheet")
	}
	if err := setRow(f, 1, Columns); err != nil {
		_ = f.Close()
		return nil, err
	}
	for i, r := range Rows(products) {
		if err := setRow(f, i+2, r); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

func setRow(f *excelize.File, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return errors.Wrapf(err, "export: row %d", n)
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return errors.Wrapf(f.SetSheetRow(SheetName, cell, &cells), "export: write row %d", n)
}

// Write streams the workbook for products to w.
func Write(w io.Writer, products []gateway.Product) error {
	f, err := Workbook(products)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteTo(w); err != nil {
		return errors.Wrap(err, "export: write workbook")
	}
	return nil
}
