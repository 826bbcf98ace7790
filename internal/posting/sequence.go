package posting

import (
	"context"
	"fmt"
)

// allocateNumber issues the next voucher number for the scope. The counter row
// stays locked by the surrounding transaction until it commits or rolls back,
// so an aborted posting never consumes a number.
func allocateNumber(ctx context.Context, tx TxRepository, scope SequenceScope) (int64, error) {
	number, err := tx.NextVoucherNumber(ctx, scope)
	if err != nil {
		return 0, err
	}
	if number <= 0 {
		return 0, fmt.Errorf("%w: sequence %s returned %d", ErrPostingFailed, scope, number)
	}
	return number, nil
}
