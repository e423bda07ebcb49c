package ethereum

import "testing"

func TestSettlementGas(t *testing.T) {
	if got := settlementGas(21000, nil); got != 21000 {
		t.Fatalf("plain transfer should keep the base limit, got %d", got)
	}
	memo := []byte("reputation:prediction:deadbeef")
	want := 21000 + uint64(len(memo))*nonZeroByteGas
	if got := settlementGas(21000, memo); got != want {
		t.Fatalf("memo bytes must be charged, got %d want %d", got, want)
	}
}
