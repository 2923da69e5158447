// Package errors defines the closed, wire-facing error taxonomy for the
// x402 Solana payment gate.
package errors

// ErrorKind is a machine-readable reason code carried on the wire inside
// VerifyResponse.InvalidReason, SettleResponse.ErrorReason, and the
// middleware's 402 challenge body. The set is closed: any failure that
// does not map onto one of these falls through to one of the two
// catch-alls so the client never sees a raw internal error string.
type ErrorKind string

// Schema / scheme errors.
const (
	ErrInvalidPayload             ErrorKind = "invalid_payload"
	ErrInvalidPaymentRequirements ErrorKind = "invalid_payment_requirements"
	ErrUnsupportedScheme          ErrorKind = "unsupported_scheme"
	ErrInvalidX402Version         ErrorKind = "invalid_x402_version"
	ErrInvalidScheme              ErrorKind = "invalid_scheme"
	ErrInvalidNetwork             ErrorKind = "invalid_network"
	ErrInvalidPayment             ErrorKind = "invalid_payment"
	ErrPaymentExpired             ErrorKind = "payment_expired"
)

// Funds.
const (
	ErrInsufficientFunds ErrorKind = "insufficient_funds"
)

// SVM transaction errors raised by the introspector.
const (
	ErrInvalidTransaction                     ErrorKind = "invalid_exact_svm_payload_transaction"
	ErrAmountMismatch                         ErrorKind = "invalid_exact_svm_payload_transaction_amount_mismatch"
	ErrInstructions                           ErrorKind = "invalid_exact_svm_payload_transaction_instructions"
	ErrInstructionsLength                     ErrorKind = "invalid_exact_svm_payload_transaction_instructions_length"
	ErrComputeLimitInstruction                ErrorKind = "invalid_exact_svm_payload_transaction_instructions_compute_limit_instruction"
	ErrComputePriceInstruction                ErrorKind = "invalid_exact_svm_payload_transaction_instructions_compute_price_instruction"
	ErrComputePriceInstructionTooHigh         ErrorKind = "invalid_exact_svm_payload_transaction_instructions_compute_price_instruction_too_high"
	ErrInstructionNotSPLTransferChecked       ErrorKind = "invalid_exact_svm_payload_transaction_instruction_not_spl_token_transfer_checked"
	ErrInstructionNotToken2022TransferChecked ErrorKind = "invalid_exact_svm_payload_transaction_instruction_not_token_2022_transfer_checked"
	ErrNotATransferInstruction                ErrorKind = "invalid_exact_svm_payload_transaction_not_a_transfer_instruction"
	ErrTransferToIncorrectATA                 ErrorKind = "invalid_exact_svm_payload_transaction_transfer_to_incorrect_ata"
	ErrReceiverATANotFound                    ErrorKind = "invalid_exact_svm_payload_transaction_receiver_ata_not_found"
	ErrSenderATANotFound                      ErrorKind = "invalid_exact_svm_payload_transaction_sender_ata_not_found"
	ErrCreateATAInstruction                   ErrorKind = "invalid_exact_svm_payload_transaction_create_ata_instruction"
	ErrCreateATAIncorrectPayee                ErrorKind = "invalid_exact_svm_payload_transaction_create_ata_instruction_incorrect_payee"
	ErrCreateATAIncorrectAsset                ErrorKind = "invalid_exact_svm_payload_transaction_create_ata_instruction_incorrect_asset"
	ErrSimulationFailed                       ErrorKind = "invalid_exact_svm_payload_transaction_simulation_failed"
)

// Settle errors.
const (
	ErrSettleBlockHeightExceeded  ErrorKind = "settle_exact_svm_block_height_exceeded"
	ErrSettleConfirmationTimedOut ErrorKind = "settle_exact_svm_transaction_confirmation_timed_out"
	ErrUnexpectedSettleError      ErrorKind = "unexpected_settle_error"
)

// Verify catch-all.
const (
	ErrUnexpectedVerifyError ErrorKind = "unexpected_verify_error"
)

// Transaction state.
const (
	ErrInvalidTransactionState ErrorKind = "invalid_transaction_state"
)

// HTTPStatus maps an ErrorKind onto the status code the middleware or
// facilitator HTTP layer should use when it is the terminal response
// (rather than embedded in a 402 body's errorReason field).
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrInvalidPayload, ErrInvalidPaymentRequirements, ErrInvalidX402Version,
		ErrInvalidScheme, ErrUnsupportedScheme, ErrInvalidNetwork, ErrInvalidPayment,
		ErrInvalidTransactionState:
		return 400
	default:
		// Every protocol-level failure surfaces as a 402 challenge;
		// only configuration errors (missing feePayer, etc.) are 500s, and those
		// are never expressed as an ErrorKind.
		return 402
	}
}
