package solana

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
)

// Signer signs transaction messages with the scheduler's trigger key.
type Signer interface {
	PublicKey() Address
	Sign(message []byte) ([]byte, error)
}

// KeypairSigner is an in-process ed25519 signer.
type KeypairSigner struct {
	priv ed25519.PrivateKey
	pub  Address
}

// NewKeypairSigner builds a signer from a 32-byte ed25519 seed.
func NewKeypairSigner(seed []byte) (*KeypairSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed needs %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, err := AddressFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &KeypairSigner{priv: priv, pub: pub}, nil
}

func (s *KeypairSigner) PublicKey() Address { return s.pub }

func (s *KeypairSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

// Transaction is a signed single-instruction transaction.
type Transaction struct {
	Signatures [][64]byte
	Message    []byte
}

// ParsedMessage is the decoded form of a compiled message.
type ParsedMessage struct {
	NumRequiredSignatures int
	AccountKeys           []Address
	RecentBlockhash       [32]byte
	ProgramID             Address
	// Accounts holds the instruction's accounts in instruction order,
	// resolved from the key table.
	Accounts []Address
	Data     []byte
}

// CompileMessage serializes a single-instruction message. Accounts are
// laid out payer first, then writable instruction accounts, then
// readonly ones, with the program id last.
func CompileMessage(payer Address, ix Instruction, recentBlockhash [32]byte) ([]byte, error) {
	if len(ix.Accounts) == 0 {
		return nil, fmt.Errorf("instruction has no accounts")
	}

	keys := []Address{payer}
	seen := map[Address]bool{payer: true}
	appendKeys := func(writable bool) {
		for _, meta := range ix.Accounts {
			if meta.IsWritable != writable || seen[meta.Pubkey] {
				continue
			}
			seen[meta.Pubkey] = true
			keys = append(keys, meta.Pubkey)
		}
	}
	appendKeys(true)
	firstReadonly := len(keys)
	appendKeys(false)
	if !seen[ix.ProgramID] {
		keys = append(keys, ix.ProgramID)
	}
	numReadonlyUnsigned := len(keys) - firstReadonly

	if len(keys) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(keys))
	}
	indexOf := make(map[Address]int, len(keys))
	for i, k := range keys {
		indexOf[k] = i
	}

	var buf bytes.Buffer
	buf.Write([]byte{1, 0, byte(numReadonlyUnsigned)})
	writeShortVecLen(&buf, len(keys))
	for _, k := range keys {
		buf.Write(k[:])
	}
	buf.Write(recentBlockhash[:])

	writeShortVecLen(&buf, 1)
	buf.WriteByte(byte(indexOf[ix.ProgramID]))
	writeShortVecLen(&buf, len(ix.Accounts))
	for _, meta := range ix.Accounts {
		buf.WriteByte(byte(indexOf[meta.Pubkey]))
	}
	writeShortVecLen(&buf, len(ix.Data))
	buf.Write(ix.Data)

	return buf.Bytes(), nil
}

// SignTransaction signs a compiled message and wraps it into wire form.
func SignTransaction(message []byte, signer Signer) ([]byte, error) {
	sigBytes, err := signer.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	if len(sigBytes) != 64 {
		return nil, fmt.Errorf("signature is %d bytes, want 64", len(sigBytes))
	}

	var buf bytes.Buffer
	writeShortVecLen(&buf, 1)
	buf.Write(sigBytes)
	buf.Write(message)
	return buf.Bytes(), nil
}

// DecodeTransaction parses a wire transaction back into its signatures
// and message. The settlement side uses this to recover the instruction.
func DecodeTransaction(raw []byte) (*Transaction, *ParsedMessage, error) {
	r := bytes.NewReader(raw)

	sigCount, err := readShortVecLen(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read signature count: %w", err)
	}
	tx := &Transaction{}
	for i := 0; i < sigCount; i++ {
		var sig [64]byte
		if _, err := r.Read(sig[:]); err != nil {
			return nil, nil, fmt.Errorf("failed to read signature %d: %w", i, err)
		}
		tx.Signatures = append(tx.Signatures, sig)
	}

	msgStart := len(raw) - r.Len()
	tx.Message = raw[msgStart:]

	msg, err := decodeMessage(bytes.NewReader(tx.Message))
	if err != nil {
		return nil, nil, err
	}
	return tx, msg, nil
}

func decodeMessage(r *bytes.Reader) (*ParsedMessage, error) {
	header := make([]byte, 3)
	if _, err := r.Read(header); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	keyCount, err := readShortVecLen(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read account count: %w", err)
	}
	msg := &ParsedMessage{NumRequiredSignatures: int(header[0])}
	for i := 0; i < keyCount; i++ {
		var key Address
		if _, err := r.Read(key[:]); err != nil {
			return nil, fmt.Errorf("failed to read account key %d: %w", i, err)
		}
		msg.AccountKeys = append(msg.AccountKeys, key)
	}

	if _, err := r.Read(msg.RecentBlockhash[:]); err != nil {
		return nil, fmt.Errorf("failed to read blockhash: %w", err)
	}

	ixCount, err := readShortVecLen(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruction count: %w", err)
	}
	if ixCount != 1 {
		return nil, fmt.Errorf("expected a single instruction, got %d", ixCount)
	}

	programIdx, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read program index: %w", err)
	}
	if int(programIdx) >= keyCount {
		return nil, fmt.Errorf("program index %d out of range", programIdx)
	}
	msg.ProgramID = msg.AccountKeys[programIdx]

	accCount, err := readShortVecLen(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruction account count: %w", err)
	}
	for i := 0; i < accCount; i++ {
		idx, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read account index %d: %w", i, err)
		}
		if int(idx) >= keyCount {
			return nil, fmt.Errorf("account index %d out of range", idx)
		}
		msg.Accounts = append(msg.Accounts, msg.AccountKeys[idx])
	}

	dataLen, err := readShortVecLen(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data length: %w", err)
	}
	msg.Data = make([]byte, dataLen)
	if _, err := r.Read(msg.Data); err != nil {
		return nil, fmt.Errorf("failed to read instruction data: %w", err)
	}
	return msg, nil
}

// compact-u16 length prefix used throughout the wire format.
func writeShortVecLen(buf *bytes.Buffer, n int) {
	for {
		if n < 0x80 {
			buf.WriteByte(byte(n))
			return
		}
		buf.WriteByte(byte(n&0x7f | 0x80))
		n >>= 7
	}
}

func readShortVecLen(r *bytes.Reader) (int, error) {
	n, shift := 0, 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		n |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return n, nil
		}
		shift += 7
		if shift > 14 {
			return 0, fmt.Errorf("shortvec length overflow")
		}
	}
}
