package solana

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode selects the settlement program's trigger behavior. The set is
// closed: adding a variant means touching every switch on this type.
type Opcode uint8

const (
	// OpPayment executes the delegated transfer and fee split.
	OpPayment Opcode = 0
	// OpNotification sends a minimal transfer carrying a reminder memo.
	OpNotification Opcode = 1
)

// ErrInvalidOpcode rejects any opcode outside the closed set.
var ErrInvalidOpcode = errors.New("invalid opcode")

func (o Opcode) Validate() error {
	switch o {
	case OpPayment, OpNotification:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrInvalidOpcode, uint8(o))
}

func (o Opcode) String() string {
	switch o {
	case OpPayment:
		return "payment"
	case OpNotification:
		return "notification"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Discriminator returns the first 8 bytes of SHA256("namespace:name").
// The settlement program selects its entry point by this prefix.
func Discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// TriggerDiscriminator is the entry-point selector for process_trigger.
func TriggerDiscriminator() [8]byte {
	return Discriminator("global", "process_trigger")
}

// TriggerArgs is the argument block of a trigger instruction. The byte
// layout below is a wire contract with the settlement program:
//
//	[0]      opcode (u8)
//	[1]      signature presence flag (u8, 0 or 1)
//	[2:66]   ed25519 signature, only when flag == 1
//	[..+8]   unix timestamp, i64 little-endian
//
// Field order and endianness must never change.
type TriggerArgs struct {
	Opcode    Opcode
	Signature *[64]byte
	Timestamp int64
}

// Encode serializes the argument block (without the discriminator).
func (a TriggerArgs) Encode() ([]byte, error) {
	if err := a.Opcode.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 2+64+8)
	buf = append(buf, byte(a.Opcode))
	if a.Signature != nil {
		buf = append(buf, 1)
		buf = append(buf, a.Signature[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Timestamp))
	return buf, nil
}

// DecodeTriggerArgs parses an argument block produced by Encode.
func DecodeTriggerArgs(data []byte) (TriggerArgs, error) {
	var args TriggerArgs
	if len(data) < 2 {
		return args, fmt.Errorf("trigger args truncated: %d bytes", len(data))
	}

	args.Opcode = Opcode(data[0])
	if err := args.Opcode.Validate(); err != nil {
		return args, err
	}

	rest := data[1:]
	switch rest[0] {
	case 0:
		rest = rest[1:]
	case 1:
		if len(rest) < 1+64 {
			return args, fmt.Errorf("trigger args truncated: signature flagged but %d bytes remain", len(rest)-1)
		}
		var sig [64]byte
		copy(sig[:], rest[1:65])
		args.Signature = &sig
		rest = rest[65:]
	default:
		return args, fmt.Errorf("invalid signature presence flag %d", rest[0])
	}

	if len(rest) != 8 {
		return args, fmt.Errorf("trigger args: want 8 timestamp bytes, got %d", len(rest))
	}
	args.Timestamp = int64(binary.LittleEndian.Uint64(rest))
	return args, nil
}

// BuildTriggerData assembles the full instruction data: discriminator
// followed by the encoded args.
func BuildTriggerData(args TriggerArgs) ([]byte, error) {
	encoded, err := args.Encode()
	if err != nil {
		return nil, err
	}
	disc := TriggerDiscriminator()
	return append(disc[:], encoded...), nil
}

// PaymentMessage is the byte string the scheduler key signs to
// authorize a payment: subscription id, then le64 timestamp, then
// le64 amount.
func PaymentMessage(subscriptionID string, timestamp int64, amount uint64) []byte {
	msg := make([]byte, 0, len(subscriptionID)+16)
	msg = append(msg, subscriptionID...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(timestamp))
	msg = binary.LittleEndian.AppendUint64(msg, amount)
	return msg
}

// AccountMeta describes one account an instruction touches.
type AccountMeta struct {
	Pubkey     Address `json:"pubkey"`
	IsSigner   bool    `json:"is_signer"`
	IsWritable bool    `json:"is_writable"`
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID Address
	Accounts  []AccountMeta
	Data      []byte
}

// TriggerAccountParams carries everything needed to derive the ordered
// account list for a trigger call.
type TriggerAccountParams struct {
	ProgramID      Address
	SubscriptionID string
	Subscriber     Address
	Merchant       Address
	FeeCollector   Address
	TokenMint      Address
}

// Positions in the trigger account list. The settlement program indexes
// accounts positionally, so this order is frozen.
const (
	TriggerAccSubscription = iota
	TriggerAccConfig
	TriggerAccSubscriberToken
	TriggerAccMerchantToken
	TriggerAccFeeToken
	TriggerAccTokenProgram
	TriggerAccSystemProgram
	TriggerAccMemoProgram
	TriggerAccInstructionsSysvar
	triggerAccCount
)

// BuildTriggerAccounts derives the subscription PDA, the config PDA and
// the three token accounts, then appends the fixed system accounts.
func BuildTriggerAccounts(p TriggerAccountParams) ([]AccountMeta, error) {
	subscriptionPDA, _, err := FindSubscriptionAddress(p.SubscriptionID, p.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive subscription address: %w", err)
	}
	configPDA, _, err := FindConfigAddress(p.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive config address: %w", err)
	}
	subscriberToken, _, err := FindAssociatedTokenAddress(p.Subscriber, p.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive subscriber token account: %w", err)
	}
	merchantToken, _, err := FindAssociatedTokenAddress(p.Merchant, p.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive merchant token account: %w", err)
	}
	feeToken, _, err := FindAssociatedTokenAddress(p.FeeCollector, p.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive fee token account: %w", err)
	}

	accounts := make([]AccountMeta, triggerAccCount)
	accounts[TriggerAccSubscription] = AccountMeta{Pubkey: subscriptionPDA, IsWritable: true}
	accounts[TriggerAccConfig] = AccountMeta{Pubkey: configPDA}
	accounts[TriggerAccSubscriberToken] = AccountMeta{Pubkey: subscriberToken, IsWritable: true}
	accounts[TriggerAccMerchantToken] = AccountMeta{Pubkey: merchantToken, IsWritable: true}
	accounts[TriggerAccFeeToken] = AccountMeta{Pubkey: feeToken, IsWritable: true}
	accounts[TriggerAccTokenProgram] = AccountMeta{Pubkey: MustAddress(TokenProgramID)}
	accounts[TriggerAccSystemProgram] = AccountMeta{Pubkey: MustAddress(SystemProgramID)}
	accounts[TriggerAccMemoProgram] = AccountMeta{Pubkey: MustAddress(MemoProgramID)}
	accounts[TriggerAccInstructionsSysvar] = AccountMeta{Pubkey: MustAddress(InstructionsSysvarID)}
	return accounts, nil
}

// BuildTriggerInstruction assembles the complete trigger instruction.
func BuildTriggerInstruction(p TriggerAccountParams, args TriggerArgs) (Instruction, error) {
	accounts, err := BuildTriggerAccounts(p)
	if err != nil {
		return Instruction{}, err
	}
	data, err := BuildTriggerData(args)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{ProgramID: p.ProgramID, Accounts: accounts, Data: data}, nil
}
