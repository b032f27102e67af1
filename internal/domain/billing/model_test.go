package billing

import (
	"testing"

	"github.com/labcase/labcase/internal/platform/collection"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
		ok   bool
	}{
		{"cash", MethodCash, true},
		{"Efectivo", MethodCash, true},
		{"1", MethodCash, true},
		{"2", MethodCard, true},
		{"Tarjeta de crédito", MethodCard, true},
		{"TRANSFER", MethodTransfer, true},
		{"transferencia bancaria", MethodTransfer, true},
		{"4", MethodReceipt, true},
		{" recibo ", MethodReceipt, true},
		{"5", "", false},
		{"bitcoin", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseMethod(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseMethod(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name        string
		paid, price float64
		want        string
	}{
		{"nothing paid", 0, 4500, StatusPending},
		{"partial", 1500, 4500, StatusInProcess},
		{"exact", 4500, 4500, StatusPaid},
		{"float noise", 0.1 + 0.2, 0.3, StatusPaid},
		{"one cent short", 4499.99, 4500, StatusInProcess},
		{"free study", 0, 0, StatusPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.paid, tt.price); got != tt.want {
				t.Errorf("DeriveStatus(%v, %v) = %s, want %s", tt.paid, tt.price, got, tt.want)
			}
		})
	}
}

func TestBillablePrice(t *testing.T) {
	if got := BillablePrice(4500, 1200, false); got != 4500 {
		t.Errorf("expected 4500 without special study, got %v", got)
	}
	if got := BillablePrice(4500, 1200, true); got != 5700 {
		t.Errorf("expected 5700 with special study, got %v", got)
	}
	if got := BillablePrice(4500, 0, true); got != 4500 {
		t.Errorf("expected 4500 when special price is unset, got %v", got)
	}
}

func TestSumPayments_Cents(t *testing.T) {
	payments := []*Payment{{Amount: 0.1}, {Amount: 0.2}, {Amount: 1499.7}}
	if got := SumPayments(payments); got != 1500 {
		t.Errorf("expected 1500, got %v", got)
	}
}

func TestPaymentsFromRow_LegacyAggregate(t *testing.T) {
	row := collection.Row{
		"Id": "agg",
		"Registros": []any{
			map[string]any{"Id": "p1", "SolicitudId": "SOL-1", "Monto": 100.0, "TipoPago": "Efectivo", "FechaPago": "2024-01-02"},
			map[string]any{"id": "p2", "solicitudId": "SOL-2", "monto": "250.5", "tipoPago": "3"},
			map[string]any{"Id": "orphan", "Monto": 10.0},
			"garbage",
		},
	}
	got := paymentsFromRow(row)
	if len(got) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(got))
	}
	if got[0].StudyRequestID != "SOL-1" || got[0].Method != MethodCash || got[0].Date.IsZero() {
		t.Errorf("unexpected first payment: %+v", got[0])
	}
	if got[1].Amount != 250.5 || got[1].Method != MethodTransfer {
		t.Errorf("unexpected second payment: %+v", got[1])
	}
}

func TestPaymentsFromRow_UnknownMethodDefaultsToCash(t *testing.T) {
	got := paymentsFromRow(collection.Row{"Id": "p1", "SolicitudId": "SOL-1", "Monto": 5.0, "TipoPago": "cheque"})
	if len(got) != 1 || got[0].Method != MethodCash {
		t.Fatalf("expected one cash payment, got %+v", got)
	}
}

func TestChargeFromRow(t *testing.T) {
	c := chargeFromRow(collection.Row{
		"Id":                    "SOL-1",
		"PrecioEstudio":         "4500",
		"EstudioEspecial":       true,
		"PrecioEstudioEspecial": 500.0,
		"totalPagado":           1500.0,
		"EstatusPago":           StatusInProcess,
		"Version":               3.0,
	})
	if c.Price != 5000 || c.CachedPaid != 1500 || c.Version != 3 {
		t.Errorf("unexpected charge: %+v", c)
	}
}
