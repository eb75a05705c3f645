package domain

// ChangeKind — вид зафиксированного изменения промоакции.
type ChangeKind string

const (
	// ChangeCreated — промо создано по первому несовпавшему кандидату.
	ChangeCreated ChangeKind = "created"
	// ChangeDiscountChanged — изменился процент или сумма скидки.
	ChangeDiscountChanged ChangeKind = "discount_changed"
	// ChangeEndExtended — срок действия продлён.
	ChangeEndExtended ChangeKind = "end_extended"
	// ChangeCodeAdded — у ранее бескодовой акции появился промокод.
	ChangeCodeAdded ChangeKind = "code_added"
	// ChangeCodeChanged — промокод заменён другим.
	ChangeCodeChanged ChangeKind = "code_changed"
	// ChangeDetailsUpdated — обновились второстепенные поля (ссылка, описание, исключения, явная дата конца).
	ChangeDetailsUpdated ChangeKind = "details_updated"
)
