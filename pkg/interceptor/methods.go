package interceptor

// MethodKind is the closed set of request classes the interceptor handles.
type MethodKind int

const (
	MethodKind_Passthrough MethodKind = iota
	MethodKind_SendTransaction
	MethodKind_SignTypedData
	MethodKind_Accounts
)

const (
	MethodSendTransaction    = "eth_sendTransaction"
	MethodSignTypedDataV4    = "eth_signTypedData_v4"
	MethodAccounts           = "eth_accounts"
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodSendRawTransaction = "eth_sendRawTransaction"
	MethodChainId            = "eth_chainId"
)

var methodKinds = map[string]MethodKind{
	MethodSendTransaction: MethodKind_SendTransaction,
	MethodSignTypedDataV4: MethodKind_SignTypedData,
	MethodAccounts:        MethodKind_Accounts,
	MethodRequestAccounts: MethodKind_Accounts,
}

// ClassifyMethod maps a JSON-RPC method name to its MethodKind. Unknown
// methods are passed through.
func ClassifyMethod(method string) MethodKind {
	if kind, ok := methodKinds[method]; ok {
		return kind
	}
	return MethodKind_Passthrough
}

func (k MethodKind) String() string {
	switch k {
	case MethodKind_SendTransaction:
		return "sendTransaction"
	case MethodKind_SignTypedData:
		return "signTypedData"
	case MethodKind_Accounts:
		return "accounts"
	default:
		return "passthrough"
	}
}
