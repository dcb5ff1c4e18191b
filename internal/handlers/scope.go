package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"brokerage-backend/internal/ctxkeys"
)

// currentUserID returns the authenticated user's numeric id, 0 when
// the context carries none.
func currentUserID(ctx context.Context) int64 {
	id, _ := strconv.ParseInt(ctxkeys.CurrentUserID(ctx), 10, 64)
	return id
}

// appendApporteurScope adds an ownership filter to a dynamic WHERE
// clause. colExpr is the SQL column expression to filter on (e.g.
// "c.apporteur_id"). Staff (COMMERCIAL, ADMIN) see everything, so
// nothing is added for them.
func appendApporteurScope(ctx context.Context, where string, args []interface{}, argIdx int, colExpr string) (string, []interface{}, int) {
	if ctxkeys.IsStaff(ctx) {
		return where, args, argIdx
	}
	where += fmt.Sprintf(" AND %s = $%d", colExpr, argIdx)
	args = append(args, currentUserID(ctx))
	argIdx++
	return where, args, argIdx
}

// checkClientAccess verifies the client belongs to the current broker.
// Staff always pass.
func checkClientAccess(ctx context.Context, pool *pgxpool.Pool, clientID int64) bool {
	if ctxkeys.IsStaff(ctx) {
		return true
	}
	var apporteurID int64
	err := pool.QueryRow(ctx, "SELECT apporteur_id FROM clients WHERE id = $1", clientID).Scan(&apporteurID)
	if err != nil {
		return false
	}
	return apporteurID == currentUserID(ctx)
}

// checkContractAccess looks up the contract's broker and checks ownership.
func checkContractAccess(ctx context.Context, pool *pgxpool.Pool, contractID int64) bool {
	if ctxkeys.IsStaff(ctx) {
		return true
	}
	var apporteurID int64
	err := pool.QueryRow(ctx, "SELECT apporteur_id FROM contrats WHERE id = $1", contractID).Scan(&apporteurID)
	if err != nil {
		return false
	}
	return apporteurID == currentUserID(ctx)
}

// checkSettlementAccess walks settlement → contract → broker and checks
// ownership.
func checkSettlementAccess(ctx context.Context, pool *pgxpool.Pool, settlementID int64) bool {
	if ctxkeys.IsStaff(ctx) {
		return true
	}
	var apporteurID int64
	err := pool.QueryRow(ctx,
		"SELECT c.apporteur_id FROM encaissements e JOIN contrats c ON c.id = e.contrat_id WHERE e.id = $1",
		settlementID,
	).Scan(&apporteurID)
	if err != nil {
		return false
	}
	return apporteurID == currentUserID(ctx)
}
