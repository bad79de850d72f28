package ledger

const (
	operationConsume  = "consume"
	operationAdjust   = "adjust"
	operationRefund   = "refund"
	operationPurchase = "purchase"

	operationStatusOK              = "ok"
	operationStatusError           = "error"
	operationStatusNegativeBalance = "negative_balance"

	metadataKeyJobID = "job_id"

	defaultTransactionLimit = 50
	maxTransactionLimit     = 100
	maxDescriptionLength    = 500
)

// OperationStatusNegativeBalance marks an operation that left the balance below zero.
const OperationStatusNegativeBalance = operationStatusNegativeBalance
