package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/samber/lo"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/storage"
)

func (h *Handler) calculate(r *http.Request) (any, int, error) {
	var req CalculateRequest
	if err := decode(r, &req); err != nil {
		return nil, 0, err
	}
	if req.Usage.IsNegative() {
		return nil, 0, fmt.Errorf("%w: usage must not be negative", errBadRequest)
	}
	res, err := h.svc.Calculate(r.Context(), req.input())
	if err != nil {
		return nil, 0, err
	}
	return NewCalculateResponse(res), http.StatusOK, nil
}

// Customers

func (h *Handler) listCustomers(r *http.Request) (any, int, error) {
	list, err := h.svc.ListCustomers(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return list, http.StatusOK, nil
}

func (h *Handler) createCustomer(r *http.Request) (any, int, error) {
	var req CustomerRequest
	if err := decode(r, &req); err != nil {
		return nil, 0, err
	}
	c, err := h.svc.RegisterCustomer(r.Context(), req.input())
	if err != nil {
		return nil, 0, err
	}
	return c, http.StatusCreated, nil
}

func (h *Handler) getCustomer(r *http.Request) (any, int, error) {
	c, err := h.svc.GetCustomer(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, 0, err
	}
	return c, http.StatusOK, nil
}

func (h *Handler) updateCustomer(r *http.Request) (any, int, error) {
	var req CustomerRequest
	if err := decode(r, &req); err != nil {
		return nil, 0, err
	}
	c, err := h.svc.UpdateCustomer(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		return nil, 0, err
	}
	return c, http.StatusOK, nil
}

// Bulk meters

func (h *Handler) listBulkMeters(r *http.Request) (any, int, error) {
	list, err := h.svc.ListBulkMeters(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return list, http.StatusOK, nil
}

func (h *Handler) createBulkMeter(r *http.Request) (any, int, error) {
	var req BulkMeterRequest
	if err := decode(r, &req); err != nil {
		return nil, 0, err
	}
	bm, err := h.svc.RegisterBulkMeter(r.Context(), portal.BulkMeterInput{
		Name:          req.Name,
		MeterNumber:   req.MeterNumber,
		CustomerClass: req.CustomerClass,
		MeterSize:     req.MeterSize,
		Sewerage:      req.Sewerage,
	})
	if err != nil {
		return nil, 0, err
	}
	return bm, http.StatusCreated, nil
}

func (h *Handler) getBulkMeter(r *http.Request) (any, int, error) {
	bm, err := h.svc.GetBulkMeter(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, 0, err
	}
	return bm, http.StatusOK, nil
}

func (h *Handler) bulkMeterCustomers(r *http.Request) (any, int, error) {
	list, err := h.svc.BulkMeterCustomers(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, 0, err
	}
	return list, http.StatusOK, nil
}

func (h *Handler) reconcile(r *http.Request) (any, int, error) {
	month := r.URL.Query().Get("month")
	if err := validate.Var(month, "required,billing_month"); err != nil {
		return nil, 0, fmt.Errorf("%w: month must be YYYY-MM", errBadRequest)
	}
	rec, err := h.svc.ReconcileBulkMeter(r.Context(), r.PathValue("id"), month)
	if err != nil {
		return nil, 0, err
	}
	return toReconciliationDTO(rec), http.StatusOK, nil
}

// Readings

func (h *Handler) recordReading(r *http.Request) (any, int, error) {
	var req ReadingRequest
	if err := decode(r, &req); err != nil {
		return nil, 0, err
	}
	res, err := h.svc.RecordReading(r.Context(), portal.ReadingInput{
		MeterKind: storage.MeterKind(req.MeterKind),
		MeterID:   req.MeterID,
		Month:     req.Month,
		Previous:  *req.Previous,
		Current:   *req.Current,
	})
	if err != nil {
		return nil, 0, err
	}
	return ReadingResponse{Reading: toReadingDTO(res.Reading), Bill: toBillDTO(res.Bill)}, http.StatusCreated, nil
}

func (h *Handler) pendingReadings(r *http.Request) (any, int, error) {
	month := r.URL.Query().Get("month")
	if err := validate.Var(month, "required,billing_month"); err != nil {
		return nil, 0, fmt.Errorf("%w: month must be YYYY-MM", errBadRequest)
	}
	list, err := h.svc.PendingReadings(r.Context(), month)
	if err != nil {
		return nil, 0, err
	}
	return lo.Map(list, func(rd storage.Reading, _ int) ReadingDTO { return toReadingDTO(rd) }), http.StatusOK, nil
}

// Bills

func (h *Handler) listBills(r *http.Request) (any, int, error) {
	q := r.URL.Query()
	bills, err := h.svc.ListBills(r.Context(), storage.BillFilter{
		MeterKind:     storage.MeterKind(q.Get("meter_kind")),
		MeterID:       q.Get("meter_id"),
		Month:         q.Get("month"),
		PaymentStatus: storage.PaymentStatus(q.Get("status")),
	})
	if err != nil {
		return nil, 0, err
	}
	return toBillDTOs(bills), http.StatusOK, nil
}

func (h *Handler) getBill(r *http.Request) (any, int, error) {
	b, err := h.svc.GetBill(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, 0, err
	}
	return toBillDTO(*b), http.StatusOK, nil
}

func (h *Handler) payBill(r *http.Request) (any, int, error) {
	b, err := h.svc.MarkBillPaid(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, 0, err
	}
	return toBillDTO(*b), http.StatusOK, nil
}

func (h *Handler) unpayBill(r *http.Request) (any, int, error) {
	b, err := h.svc.MarkBillUnpaid(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, 0, err
	}
	return toBillDTO(*b), http.StatusOK, nil
}

// Tariffs

func (h *Handler) listTariffs(r *http.Request) (any, int, error) {
	list, err := h.svc.ListTariffs(r.Context())
	if err != nil {
		return nil, 0, err
	}
	return list, http.StatusOK, nil
}

func tariffKey(r *http.Request) (billing.CustomerClass, int, error) {
	class, ok := billing.ParseCustomerClass(r.PathValue("class"))
	if !ok {
		return "", 0, fmt.Errorf("%w: unknown customer class %q", errBadRequest, r.PathValue("class"))
	}
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil || !billing.ValidYear(year) {
		return "", 0, fmt.Errorf("%w: year %q is not a 4-digit year", errBadRequest, r.PathValue("year"))
	}
	return class, year, nil
}

func (h *Handler) getTariff(r *http.Request) (any, int, error) {
	class, year, err := tariffKey(r)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := h.svc.GetTariff(r.Context(), class, year)
	if err != nil {
		return nil, 0, err
	}
	return cfg, http.StatusOK, nil
}

// putTariff stores the body as the tariff for the class and year in the path.
// Class and year may be omitted from the body; when present they must match.
func (h *Handler) putTariff(r *http.Request) (any, int, error) {
	class, year, err := tariffKey(r)
	if err != nil {
		return nil, 0, err
	}
	var cfg billing.TariffConfiguration
	if err := decode(r, &cfg); err != nil {
		return nil, 0, err
	}
	if cfg.CustomerClass != "" {
		bodyClass, ok := billing.ParseCustomerClass(string(cfg.CustomerClass))
		if !ok || bodyClass != class {
			return nil, 0, fmt.Errorf("%w: body customer_class %q does not match path", errBadRequest, cfg.CustomerClass)
		}
	}
	if cfg.Year != 0 && cfg.Year != year {
		return nil, 0, fmt.Errorf("%w: body year %d does not match path", errBadRequest, cfg.Year)
	}
	cfg.CustomerClass, cfg.Year = class, year
	if err := h.svc.PutTariff(r.Context(), &cfg); err != nil {
		return nil, 0, err
	}
	return &cfg, http.StatusOK, nil
}
