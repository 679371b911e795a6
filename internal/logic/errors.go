package logic

import "errors"

var (
	ErrInvalidSignature         = errors.New("回调签名无效")
	ErrInvalidPayload           = errors.New("回调内容无效")
	ErrPaymentReferenceNotFound = errors.New("支付关联码不存在")
	ErrOrderNotFound            = errors.New("订单不存在")
	ErrInvalidTransition        = errors.New("订单状态不允许该变更")
	ErrOrderNotCancellable      = errors.New("订单已进入履约流程，不能取消")
	ErrOrderNotEditable         = errors.New("订单已支付或已进入履约流程，不能修改")
	ErrOrderAlreadyPaid         = errors.New("订单已支付")
	ErrInsufficientStock        = errors.New("商品库存不足")
	ErrProductNotFound          = errors.New("商品不存在")
	ErrEmptyOrder               = errors.New("订单至少需要一个商品")
	ErrPayoutBatchNotFound      = errors.New("打款批次不存在")
	ErrPayoutDetailsRequired    = errors.New("完成打款需要提供打款流水号和打款方式")
	ErrBatchTotalsMismatch      = errors.New("打款批次金额与明细合计不一致")
	ErrLedgerWriteInProgress    = errors.New("订单存证正在进行中")
)
