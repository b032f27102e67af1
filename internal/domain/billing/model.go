package billing

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/labcase/labcase/internal/platform/collection"
	"github.com/labcase/labcase/internal/platform/table"
)

// PaymentCollection holds one row per payment. Legacy data also has a single
// aggregate row whose Registros attribute lists many payments.
const PaymentCollection = "dbo_Pagos"

// requestCollection is read for prices and written for the cached paid
// total and status.
const requestCollection = "dbo_Solicitudes"

// Payment methods.
type Method string

const (
	MethodCash     Method = "cash"
	MethodCard     Method = "card"
	MethodTransfer Method = "transfer"
	MethodReceipt  Method = "receipt"
)

var methodLabels = map[Method]string{
	MethodCash:     "Efectivo",
	MethodCard:     "Tarjeta de crédito",
	MethodTransfer: "Transferencia bancaria",
	MethodReceipt:  "Recibo",
}

var methodCodes = map[int]Method{1: MethodCash, 2: MethodCard, 3: MethodTransfer, 4: MethodReceipt}

// Label is the name the method was historically stored under.
func (m Method) Label() string { return methodLabels[m] }

// ParseMethod accepts the enum value, the historical label or the numeric
// code 1-4, in any case.
func ParseMethod(v string) (Method, bool) {
	s := strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(s); err == nil {
		m, ok := methodCodes[n]
		return m, ok
	}
	for m, label := range methodLabels {
		if s == string(m) || s == strings.ToLower(label) {
			return m, true
		}
	}
	switch s {
	case "tarjeta", "tarjeta de debito", "tarjeta de débito":
		return MethodCard, true
	case "transferencia":
		return MethodTransfer, true
	}
	return "", false
}

// Payment statuses derived from the ledger.
const (
	StatusPaid      = "paid"
	StatusInProcess = "in-payment-process"
	StatusPending   = "pending"
)

// Payment is one immutable ledger entry.
type Payment struct {
	ID             string    `json:"id"`
	StudyRequestID string    `json:"study_request_id"`
	Amount         float64   `json:"amount"`
	Method         Method    `json:"method"`
	Date           time.Time `json:"date"`
	Description    string    `json:"description,omitempty"`
}

// PaymentInput is a payment to register.
type PaymentInput struct {
	StudyRequestID string  `json:"-"`
	Amount         float64 `json:"amount"`
	Method         string  `json:"method"`
	Description    string  `json:"description"`
}

// Charge is the billing view of a study request.
type Charge struct {
	StudyRequestID string
	PatientName    string
	StudyType      string
	ReceivedAt     time.Time
	Price          float64
	CachedPaid     float64
	CachedStatus   string
	Invoice        string
	Version        int64
}

// Account is a study request with its ledger, as shown on the accounts
// screen.
type Account struct {
	StudyRequestID string     `json:"study_request_id"`
	PatientName    string     `json:"patient_name"`
	StudyType      string     `json:"study_type"`
	ReceivedAt     time.Time  `json:"received_at"`
	Price          float64    `json:"price"`
	PaidToDate     float64    `json:"paid_to_date"`
	Outstanding    float64    `json:"outstanding"`
	PaymentStatus  string     `json:"payment_status"`
	Invoice        string     `json:"invoice,omitempty"`
	Payments       []*Payment `json:"payments"`
}

// ReconcileReport summarizes a Reconcile run.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Updated int      `json:"updated"`
	Failed  []string `json:"failed,omitempty"`
}

// Cents converts an amount in the major unit to integer cents.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(c int64) float64 {
	return float64(c) / 100
}

// BillablePrice is what the ledger is reconciled against: the study price
// plus the special-study price when the special study was requested.
func BillablePrice(price, specialPrice float64, special bool) float64 {
	if special && specialPrice > 0 {
		return fromCents(Cents(price) + Cents(specialPrice))
	}
	return price
}

// DeriveStatus is the single derivation of payment status from the ledger
// sum.
func DeriveStatus(paid, price float64) string {
	p, total := Cents(paid), Cents(price)
	switch {
	case p >= total:
		return StatusPaid
	case p > 0:
		return StatusInProcess
	default:
		return StatusPending
	}
}

// SumPayments adds amounts in cents.
func SumPayments(payments []*Payment) float64 {
	var c int64
	for _, p := range payments {
		c += Cents(p.Amount)
	}
	return fromCents(c)
}

// -- row mapping --

// paymentsFromRow maps a payment row to its payments. A regular row yields
// one payment; a legacy aggregate row yields every entry of Registros.
func paymentsFromRow(row collection.Row) []*Payment {
	if records := row.List("Registros", "registros"); records != nil {
		out := make([]*Payment, 0, len(records))
		for _, rec := range records {
			m, ok := rec.(map[string]any)
			if !ok {
				continue
			}
			if p := paymentFromRow(collection.Row(m)); p != nil {
				out = append(out, p)
			}
		}
		return out
	}
	if p := paymentFromRow(row); p != nil {
		return []*Payment{p}
	}
	return nil
}

func paymentFromRow(row collection.Row) *Payment {
	p := &Payment{
		ID:             row.ID(),
		StudyRequestID: row.String("SolicitudId", "solicitudId"),
		Amount:         row.Float("Monto", "monto"),
		Date:           row.Time("FechaPago", "fechaPago", collection.AttrCreatedAt),
		Description:    row.String("Descripcion", "descripcion"),
	}
	if p.StudyRequestID == "" {
		return nil
	}
	p.Method, _ = ParseMethod(row.String("TipoPago", "tipoPago"))
	if p.Method == "" {
		p.Method = MethodCash
	}
	return p
}

func paymentRow(p *Payment) collection.Row {
	return collection.Row{
		table.AttrID:             p.ID,
		"SolicitudId":            p.StudyRequestID,
		"Monto":                  p.Amount,
		"TipoPago":               string(p.Method),
		"FechaPago":              collection.FormatTime(p.Date),
		"Descripcion":            p.Description,
		collection.AttrCreatedAt: collection.FormatTime(p.Date),
	}
}

func chargeFromRow(row collection.Row) *Charge {
	return &Charge{
		StudyRequestID: row.ID(),
		PatientName:    row.String("PacienteNombre", "pacienteNombre"),
		StudyType:      row.String("TipoEstudio", "tipoEstudio"),
		ReceivedAt:     row.Time("FechaRecepcion", "fechaRecepcion"),
		Price: BillablePrice(
			row.Float("PrecioEstudio", "precioEstudio"),
			row.Float("PrecioEstudioEspecial", "precioEstudioEspecial"),
			row.Bool("EstudioEspecial", "estudioEspecial"),
		),
		CachedPaid:   row.Float("TotalPagado", "totalPagado"),
		CachedStatus: row.String("EstatusPago", "estatusPago"),
		Invoice:      row.String("Factura", "factura"),
		Version:      row.Version(),
	}
}
