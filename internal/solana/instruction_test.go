package solana

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscriminator(t *testing.T) {
	want := sha256.Sum256([]byte("global:process_trigger"))
	got := TriggerDiscriminator()
	assert.Equal(t, want[:8], got[:])

	// Different names must select different entry points.
	other := Discriminator("global", "create_subscription")
	assert.NotEqual(t, got, other)
}

func TestTriggerArgsLayoutWithSignature(t *testing.T) {
	var sig [64]byte
	for i := range sig {
		sig[i] = byte(i)
	}
	args := TriggerArgs{Opcode: OpPayment, Signature: &sig, Timestamp: 1700000000}

	data, err := args.Encode()
	require.NoError(t, err)
	require.Len(t, data, 1+1+64+8)

	assert.Equal(t, byte(0), data[0], "opcode byte")
	assert.Equal(t, byte(1), data[1], "signature presence flag")
	assert.Equal(t, sig[:], data[2:66])
	assert.Equal(t, uint64(1700000000), binary.LittleEndian.Uint64(data[66:74]))
}

func TestTriggerArgsLayoutWithoutSignature(t *testing.T) {
	args := TriggerArgs{Opcode: OpNotification, Timestamp: -1}

	data, err := args.Encode()
	require.NoError(t, err)
	require.Len(t, data, 1+1+8)

	assert.Equal(t, byte(1), data[0], "opcode byte")
	assert.Equal(t, byte(0), data[1], "signature presence flag")
	// i64 timestamps survive the round trip through the u64 encoding.
	decoded, err := DecodeTriggerArgs(data)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), decoded.Timestamp)
}

func TestDecodeTriggerArgsRoundTrip(t *testing.T) {
	var sig [64]byte
	sig[0], sig[63] = 0xaa, 0xbb
	args := TriggerArgs{Opcode: OpPayment, Signature: &sig, Timestamp: 42}

	data, err := args.Encode()
	require.NoError(t, err)

	decoded, err := DecodeTriggerArgs(data)
	require.NoError(t, err)
	assert.Equal(t, args.Opcode, decoded.Opcode)
	require.NotNil(t, decoded.Signature)
	assert.Equal(t, sig, *decoded.Signature)
	assert.Equal(t, args.Timestamp, decoded.Timestamp)
}

func TestDecodeTriggerArgsRejectsGarbage(t *testing.T) {
	_, err := DecodeTriggerArgs([]byte{})
	assert.Error(t, err)

	// Unknown opcode.
	_, err = DecodeTriggerArgs([]byte{7, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidOpcode)

	// Signature flagged but missing.
	_, err = DecodeTriggerArgs([]byte{0, 1, 1, 2, 3})
	assert.Error(t, err)

	// Bad presence flag.
	_, err = DecodeTriggerArgs([]byte{0, 9, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestEncodeRejectsInvalidOpcode(t *testing.T) {
	_, err := TriggerArgs{Opcode: Opcode(3), Timestamp: 1}.Encode()
	assert.ErrorIs(t, err, ErrInvalidOpcode)
}

func TestBuildTriggerAccountsOrder(t *testing.T) {
	params := TriggerAccountParams{
		ProgramID:      MustAddress(MemoProgramID),
		SubscriptionID: "sub-001",
		Subscriber:     MustAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		Merchant:       MustAddress(AssociatedTokenProgramID),
		FeeCollector:   MustAddress(InstructionsSysvarID),
		TokenMint:      MustAddress(TokenProgramID),
	}

	accounts, err := BuildTriggerAccounts(params)
	require.NoError(t, err)
	require.Len(t, accounts, triggerAccCount)

	subPDA, _, err := FindSubscriptionAddress(params.SubscriptionID, params.ProgramID)
	require.NoError(t, err)
	configPDA, _, err := FindConfigAddress(params.ProgramID)
	require.NoError(t, err)

	assert.Equal(t, subPDA, accounts[TriggerAccSubscription].Pubkey)
	assert.True(t, accounts[TriggerAccSubscription].IsWritable)
	assert.Equal(t, configPDA, accounts[TriggerAccConfig].Pubkey)
	assert.False(t, accounts[TriggerAccConfig].IsWritable)
	assert.Equal(t, MustAddress(TokenProgramID), accounts[TriggerAccTokenProgram].Pubkey)
	assert.Equal(t, MustAddress(SystemProgramID), accounts[TriggerAccSystemProgram].Pubkey)
	assert.Equal(t, MustAddress(MemoProgramID), accounts[TriggerAccMemoProgram].Pubkey)
	assert.Equal(t, MustAddress(InstructionsSysvarID), accounts[TriggerAccInstructionsSysvar].Pubkey)
}

func TestPaymentMessageLayout(t *testing.T) {
	msg := PaymentMessage("abc", 5, 7)
	require.Len(t, msg, 3+8+8)
	assert.Equal(t, []byte("abc"), msg[:3])
	assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(msg[3:11]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(msg[11:19]))
}

func TestTransactionRoundTrip(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	signer, err := NewKeypairSigner(seed)
	require.NoError(t, err)

	ix, err := BuildTriggerInstruction(TriggerAccountParams{
		ProgramID:      MustAddress(MemoProgramID),
		SubscriptionID: "sub-rt",
		Subscriber:     MustAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		Merchant:       MustAddress(AssociatedTokenProgramID),
		FeeCollector:   MustAddress(InstructionsSysvarID),
		TokenMint:      MustAddress(TokenProgramID),
	}, TriggerArgs{Opcode: OpNotification, Timestamp: 99})
	require.NoError(t, err)

	var blockhash [32]byte
	blockhash[0] = 0xff
	message, err := CompileMessage(signer.PublicKey(), ix, blockhash)
	require.NoError(t, err)

	raw, err := SignTransaction(message, signer)
	require.NoError(t, err)

	tx, parsed, err := DecodeTransaction(raw)
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 1)

	// Payer signature covers the serialized message.
	pub := signer.PublicKey()
	assert.True(t, ed25519.Verify(pub[:], tx.Message, tx.Signatures[0][:]))

	assert.Equal(t, ix.ProgramID, parsed.ProgramID)
	assert.Equal(t, ix.Data, parsed.Data)
	require.Len(t, parsed.Accounts, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		assert.Equal(t, meta.Pubkey, parsed.Accounts[i], "account %d", i)
	}
	assert.Equal(t, blockhash, parsed.RecentBlockhash)

	args, err := DecodeTriggerArgs(parsed.Data[8:])
	require.NoError(t, err)
	assert.Equal(t, OpNotification, args.Opcode)
	assert.Equal(t, int64(99), args.Timestamp)
}
