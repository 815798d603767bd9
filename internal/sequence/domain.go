package sequence

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// Well-known counters.
const (
	CounterGoodsReceipt = "GRN"
	CounterSalesBill    = "BILL"
)

// Counter is the persisted state of one fiscal-year namespace.
type Counter struct {
	Namespace       string
	FiscalYearStart time.Time
	LastValue       int64
	UpdatedAt       time.Time
}

// Allocation is a number handed out by Allocate.
type Allocation struct {
	Namespace       string
	FiscalYearStart time.Time
	Value           int64
}

// FiscalYear renders the allocation's fiscal year label, e.g. 2026-27.
func (a Allocation) FiscalYear() string {
	return shared.FiscalYearLabel(a.FiscalYearStart)
}

// Format renders a document number such as GRN/2026-27/000042.
func (a Allocation) Format(prefix string) string {
	if prefix == "" {
		prefix = a.Namespace
	}
	return fmt.Sprintf("%s/%s/%06d", prefix, a.FiscalYear(), a.Value)
}

// ErrInvalidNamespace indicates an unusable counter name.
var ErrInvalidNamespace = errors.New("sequence: invalid namespace")
