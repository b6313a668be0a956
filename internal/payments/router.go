package payments

import "github.com/example/payflow/internal/models"

// Classify decides which transfer mechanism serves req. A request takes the
// bank-transfer path only when it has exactly one external-bank source that
// carries both aggregator credentials; everything else goes through the
// ledger. Classify has no state and no side effects.
func Classify(req *models.PaymentRequest) models.Route {
	if req == nil || len(req.Sources) != 1 {
		return models.RouteLedger
	}

	src := req.Sources[0]
	if src.Kind == models.SourceExternalBank && src.HasTransferCredentials() {
		return models.RouteBankTransfer
	}
	return models.RouteLedger
}
