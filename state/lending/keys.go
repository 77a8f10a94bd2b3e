package lending

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
)

// Every record lives under a typed prefix so distinct namespaces cannot
// collide even before hashing. Keys are keccak-hashed to keep a uniform
// length across backends.
var (
	subLoanPrefix   = []byte("subloan:")
	operationPrefix = []byte("op:")
	accountPrefix   = []byte("acct:")
	balancePrefix   = []byte("bal:")
	statsPrefix     = []byte("stats:")

	subLoanCountKey = ethcrypto.Keccak256([]byte("book:subloans"))
	accountCountKey = ethcrypto.Keccak256([]byte("book:accounts"))
)

func subLoanKey(id uint64) []byte {
	buf := make([]byte, len(subLoanPrefix)+8)
	copy(buf, subLoanPrefix)
	binary.BigEndian.PutUint64(buf[len(subLoanPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func operationKey(subLoanID uint64, operationID uint32) []byte {
	buf := make([]byte, len(operationPrefix)+12)
	copy(buf, operationPrefix)
	binary.BigEndian.PutUint64(buf[len(operationPrefix):], subLoanID)
	binary.BigEndian.PutUint32(buf[len(operationPrefix)+8:], operationID)
	return ethcrypto.Keccak256(buf)
}

// accountIDKey maps an address to its numeric account identifier.
func accountIDKey(addr crypto.Address) []byte {
	buf := make([]byte, 0, len(accountPrefix)+3+crypto.AddressLength)
	buf = append(buf, accountPrefix...)
	buf = append(buf, "id:"...)
	buf = append(buf, addr.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

// accountAddressKey maps a numeric account identifier back to its address.
func accountAddressKey(id uint64) []byte {
	buf := make([]byte, len(accountPrefix)+5+8)
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], "addr:")
	binary.BigEndian.PutUint64(buf[len(accountPrefix)+5:], id)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr crypto.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+crypto.AddressLength)
	buf = append(buf, balancePrefix...)
	buf = append(buf, addr.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func statsKey(addr crypto.Address) []byte {
	buf := make([]byte, 0, len(statsPrefix)+crypto.AddressLength)
	buf = append(buf, statsPrefix...)
	buf = append(buf, addr.Bytes()...)
	return ethcrypto.Keccak256(buf)
}
