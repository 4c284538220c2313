package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// VaultABIJSON covers both vault deployments. The source vault custodies
// collateral; the destination vault tracks debt and replay counters.
const VaultABIJSON = `[
 {"type":"function","name":"depositCollateral","stateMutability":"payable","inputs":[],"outputs":[]},
 {"type":"function","name":"withdrawCollateral","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getCollateral","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getDebt","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getMaxLoanAmount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getCollateralRatio","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"CollateralDeposited","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"LoanRepaid","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// VaultSenderABIJSON is the source-side relay entry point.
const VaultSenderABIJSON = `[
 {"type":"function","name":"sendLendRequestWithSignature","stateMutability":"nonpayable","inputs":[
   {"name":"destinationChainSelector","type":"uint64"},
   {"name":"receiver","type":"address"},
   {"name":"user","type":"address"},
   {"name":"amount","type":"uint256"},
   {"name":"nonce","type":"uint256"},
   {"name":"deadline","type":"uint256"},
   {"name":"signature","type":"bytes"}],
  "outputs":[{"name":"","type":"bytes32"}]},
 {"type":"event","name":"MessageSent","anonymous":false,"inputs":[
   {"name":"messageId","type":"bytes32","indexed":true},
   {"name":"destinationChainSelector","type":"uint64","indexed":true},
   {"name":"receiver","type":"address","indexed":false},
   {"name":"action","type":"uint8","indexed":false},
   {"name":"user","type":"address","indexed":false},
   {"name":"amount","type":"uint256","indexed":false},
   {"name":"userCollateral","type":"uint256","indexed":false},
   {"name":"feeToken","type":"address","indexed":false},
   {"name":"fees","type":"uint256","indexed":false}]}
]`

var (
	vaultABI       = mustParseABI(VaultABIJSON)
	vaultSenderABI = mustParseABI(VaultSenderABIJSON)
)

// VaultABI returns the parsed vault ABI.
func VaultABI() abi.ABI { return vaultABI }

// VaultSenderABI returns the parsed relay sender ABI.
func VaultSenderABI() abi.ABI { return vaultSenderABI }

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid abi: " + err.Error())
	}
	return parsed
}
