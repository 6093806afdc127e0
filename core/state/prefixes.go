package state

var (
	accountPrefix    = []byte("market/account/")
	storeSetPrefix   = []byte("market/store/")
	storeStatsPrefix = []byte("market/storestats/")
	txRecordPrefix   = []byte("market/tx/")
	txOpenPrefix     = []byte("market/txopen/")
	txBuyerPrefix    = []byte("market/txbuyer/")
	txStorePrefix    = []byte("market/txstore/")
	txListKeyBytes   = []byte("market/txlist")
	intentPrefix     = []byte("market/intent/")
	storeCostKey     = []byte("market/params/store-cost")
)
