package domain_test

import (
	"testing"

	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/stretchr/testify/require"
)

func TestComputeBalance(t *testing.T) {
	tests := []struct {
		name   string
		total  int64
		active []int64
		want   invoicedomain.Balance
	}{
		{
			name:   "no rows",
			total:  10_000,
			active: nil,
			want: invoicedomain.Balance{
				AmountPaid: 0,
				AmountDue:  10_000,
				Status:     invoicedomain.PaymentStatusUnpaid,
			},
		},
		{
			name:   "partial",
			total:  10_000,
			active: []int64{4_000},
			want: invoicedomain.Balance{
				AmountPaid: 4_000,
				AmountDue:  6_000,
				Status:     invoicedomain.PaymentStatusPartiallyPaid,
			},
		},
		{
			name:   "multiple rows sum",
			total:  10_000,
			active: []int64{4_000, 3_500, 500},
			want: invoicedomain.Balance{
				AmountPaid: 8_000,
				AmountDue:  2_000,
				Status:     invoicedomain.PaymentStatusPartiallyPaid,
			},
		},
		{
			name:   "exactly paid",
			total:  10_000,
			active: []int64{6_000, 4_000},
			want: invoicedomain.Balance{
				AmountPaid: 10_000,
				AmountDue:  0,
				Status:     invoicedomain.PaymentStatusPaid,
			},
		},
		{
			name:   "zero total invoice",
			total:  0,
			active: nil,
			want: invoicedomain.Balance{
				AmountPaid: 0,
				AmountDue:  0,
				Status:     invoicedomain.PaymentStatusUnpaid,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invoicedomain.ComputeBalance(tt.total, tt.active)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.total, got.AmountPaid+got.AmountDue)
		})
	}
}

func TestComputeBalanceOverAllocation(t *testing.T) {
	_, err := invoicedomain.ComputeBalance(10_000, []int64{6_000, 4_001})
	require.ErrorIs(t, err, invoicedomain.ErrOverAllocation)

	// One cent over on a single row fails the same way; the sum is never
	// clamped down to total.
	_, err = invoicedomain.ComputeBalance(100, []int64{101})
	require.ErrorIs(t, err, invoicedomain.ErrOverAllocation)
}

func TestComputeBalanceDeterministic(t *testing.T) {
	rows := []int64{1_250, 3_750, 2_000}
	first, err := invoicedomain.ComputeBalance(10_000, rows)
	require.NoError(t, err)
	second, err := invoicedomain.ComputeBalance(10_000, rows)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
