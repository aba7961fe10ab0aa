// Package resolution maps a parsed scan onto the customer or work order the
// operator should see next.
package resolution

import (
	"context"
	"fmt"

	"github.com/zombor/repair-desk/internal/scanning"
)

// Action tells the UI what to do with a resolved scan
type Action string

const (
	ActionNavigateWorkOrder Action = "navigate_work_order"
	ActionNavigateCustomer  Action = "navigate_customer"
	ActionPrefillAndAsk     Action = "prefill_and_ask"
	ActionNoMatch           Action = "no_match"
)

// Result is the outcome of resolving one scan. Zero ids are absent.
type Result struct {
	Action      Action `json:"action"`
	WorkOrderID int64  `json:"work_order_id,omitempty"`
	CustomerID  int64  `json:"customer_id,omitempty"`

	// PrefillWorkOrder asks the UI to open a new work order for CustomerID
	// pre-filled from Prefill.
	PrefillWorkOrder bool              `json:"prefill_work_order,omitempty"`
	Prefill          *scanning.Payload `json:"prefill,omitempty"`
}

// WorkOrderRef is the part of a work order the resolver needs
type WorkOrderRef struct {
	ID         int64
	CustomerID int64 // 0 when the work order has no customer
}

// Lookups are the read-only queries the cascade runs, in order, against the
// shop's records. A miss is (zero, false, nil); errors are I/O failures.
type Lookups interface {
	// FindWorkOrderByCodeOrNumber matches the scan code first and only then
	// tries the input as a numeric work order id.
	FindWorkOrderByCodeOrNumber(ctx context.Context, code string) (WorkOrderRef, bool, error)

	FindCustomerByBarcode(ctx context.Context, barcode string) (int64, bool, error)

	// FindCustomerByContact checks phoneDigits first and email only when the
	// phone matches nobody. Either may be empty.
	FindCustomerByContact(ctx context.Context, phoneDigits, email string) (int64, bool, error)

	FindCustomerByName(ctx context.Context, first, last string) (int64, bool, error)
}

// scan is the input shared by every step of a cascade
type scan struct {
	payload scanning.Payload
	raw     string
}

// step either settles the scan (ok) or passes it to the next step
type step func(ctx context.Context, l Lookups, s scan) (res Result, ok bool, err error)

// fallback runs when an explicit lookup misses or the scan is unrecognized
var fallback = []step{workOrderByRaw, customerByRaw}

var cascades = map[scanning.Kind][]step{
	scanning.KindWorkOrder: append([]step{workOrderByCode}, fallback...),
	scanning.KindCustomer:  append([]step{customerByRaw}, fallback...),
	scanning.KindPayload:   {fullPayload},
	scanning.KindUnknown:   fallback,
}

// Resolver runs the resolution cascade for parsed scans
type Resolver struct {
	lookups Lookups
}

// New creates a Resolver over the given lookups
func New(lookups Lookups) *Resolver {
	return &Resolver{lookups: lookups}
}

// Resolve decides what a scan points at. Every scan gets a Result; the only
// errors are lookup failures, which abort the cascade.
func (r *Resolver) Resolve(ctx context.Context, payload scanning.Payload, raw string) (Result, error) {
	steps, ok := cascades[payload.Kind]
	if !ok {
		steps = fallback
	}

	s := scan{payload: payload, raw: raw}
	for _, st := range steps {
		res, ok, err := st(ctx, r.lookups, s)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return res, nil
		}
	}
	return Result{Action: ActionNoMatch}, nil
}

func navigateWorkOrder(wo WorkOrderRef) Result {
	return Result{
		Action:      ActionNavigateWorkOrder,
		WorkOrderID: wo.ID,
		CustomerID:  wo.CustomerID,
	}
}

func workOrderByCode(ctx context.Context, l Lookups, s scan) (Result, bool, error) {
	code := s.payload.WorkOrderCode
	if code == "" {
		code = s.raw
	}
	wo, found, err := l.FindWorkOrderByCodeOrNumber(ctx, code)
	if err != nil {
		return Result{}, false, fmt.Errorf("finding work order %q: %w", code, err)
	}
	if !found {
		return Result{}, false, nil
	}
	return navigateWorkOrder(wo), true, nil
}

func workOrderByRaw(ctx context.Context, l Lookups, s scan) (Result, bool, error) {
	wo, found, err := l.FindWorkOrderByCodeOrNumber(ctx, s.raw)
	if err != nil {
		return Result{}, false, fmt.Errorf("finding work order %q: %w", s.raw, err)
	}
	if !found {
		return Result{}, false, nil
	}
	return navigateWorkOrder(wo), true, nil
}

func customerByRaw(ctx context.Context, l Lookups, s scan) (Result, bool, error) {
	id, found, err := l.FindCustomerByBarcode(ctx, s.raw)
	if err != nil {
		return Result{}, false, fmt.Errorf("finding customer by barcode %q: %w", s.raw, err)
	}
	if !found {
		return Result{}, false, nil
	}
	return Result{Action: ActionNavigateCustomer, CustomerID: id}, true, nil
}

// fullPayload resolves a multi-field scan. It always settles the scan: a
// payload that matches nothing is an offer to create new records.
func fullPayload(ctx context.Context, l Lookups, s scan) (Result, bool, error) {
	p := s.payload

	customerID, err := payloadCustomer(ctx, l, p)
	if err != nil {
		return Result{}, false, err
	}

	if p.WorkOrderCode != "" {
		wo, found, err := l.FindWorkOrderByCodeOrNumber(ctx, p.WorkOrderCode)
		if err != nil {
			return Result{}, false, fmt.Errorf("finding work order %q: %w", p.WorkOrderCode, err)
		}
		if found {
			res := navigateWorkOrder(wo)
			// The work order's own customer is authoritative
			if res.CustomerID == 0 {
				res.CustomerID = customerID
			}
			return res, true, nil
		}
	}

	prefill := p
	if customerID != 0 {
		return Result{
			Action:           ActionNavigateCustomer,
			CustomerID:       customerID,
			PrefillWorkOrder: true,
			Prefill:          &prefill,
		}, true, nil
	}
	return Result{Action: ActionPrefillAndAsk, Prefill: &prefill}, true, nil
}

// payloadCustomer finds the customer a payload describes: contact details
// first, then the full name. Returns 0 when neither matches.
func payloadCustomer(ctx context.Context, l Lookups, p scanning.Payload) (int64, error) {
	if p.HasContact() {
		id, found, err := l.FindCustomerByContact(ctx, p.PhoneDigits, p.Email)
		if err != nil {
			return 0, fmt.Errorf("finding customer by contact: %w", err)
		}
		if found {
			return id, nil
		}
	}

	if p.HasFullName() {
		id, found, err := l.FindCustomerByName(ctx, p.FirstName, p.LastName)
		if err != nil {
			return 0, fmt.Errorf("finding customer by name: %w", err)
		}
		if found {
			return id, nil
		}
	}
	return 0, nil
}
