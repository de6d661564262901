package errors

// NewNetworkError 创建网络错误
func NewNetworkError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeNetwork, SeverityMedium, "NETWORK_ERROR", message)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeTimeout, SeverityMedium, "TIMEOUT_ERROR", message)
}

// NewStorageError 创建存储错误
func NewStorageError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeStorage, SeverityHigh, "STORAGE_ERROR", message)
}

// NewExplorerError 创建区块浏览器错误
func NewExplorerError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeExplorer, SeverityMedium, "EXPLORER_ERROR", message)
}

// NewTickerError 创建行情接口错误
func NewTickerError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeTicker, SeverityMedium, "TICKER_ERROR", message)
}

// NewChainError 创建链节点错误
func NewChainError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeChainNode, SeverityHigh, "CHAIN_ERROR", message)
}

// NewMailError 创建邮件错误
func NewMailError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeMail, SeverityMedium, "MAIL_ERROR", message)
}

// NewValidationError 创建数据校验错误
func NewValidationError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeValidation, SeverityMedium, "VALIDATION_ERROR", message)
}

// NewSerializationError 创建序列化错误
func NewSerializationError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeSerialization, SeverityMedium, "SERIALIZATION_ERROR", message)
}

// NewConfigError 创建配置错误
func NewConfigError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeConfig, SeverityCritical, "CONFIG_ERROR", message)
}

// NewKafkaError 创建消息队列错误
func NewKafkaError(message string, cause error) *SaleError {
	return WrapError(cause, ErrorTypeKafka, SeverityMedium, "KAFKA_ERROR", message)
}
