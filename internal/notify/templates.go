package notify

import (
	"bytes"
	"fmt"
	"text/template"

	saleerrors "tokensale/internal/errors"
	"tokensale/internal/storage"
)

// 各类通知的邮件模板。模板参数来自通知记录的params。
var templates = map[string]struct {
	subject string
	body    string
}{
	storage.NotifyPurchaseConfirmed: {
		subject: "Your payment has been received",
		body: "We have received your {{.currency}} payment.\n\n" +
			"Transaction: {{.tx_id}}\n" +
			"Tokens credited: {{.tokens}}\n",
	},
	storage.NotifySoldOut: {
		subject: "Token sale allocation exhausted",
		body: "Your {{.currency}} payment (transaction {{.tx_id}}) arrived after the sale " +
			"allocation was exhausted and has not been converted into tokens.\n" +
			"Please contact support regarding a refund.\n",
	},
	storage.NotifyWithdrawalRequest: {
		subject: "Confirm your token withdrawal",
		body: "A withdrawal of your full token balance was requested.\n\n" +
			"To confirm, follow the link:\n{{.confirm_url}}\n\n" +
			"If you did not request this, ignore this message.\n",
	},
	storage.NotifyWithdrawalSucceeded: {
		subject: "Your tokens have been withdrawn",
		body: "Your withdrawal of {{.tokens}} tokens has been completed.\n\n" +
			"Transaction: {{.tx_id}}\n",
	},
	storage.NotifyAddressChangeRequest: {
		subject: "Confirm your withdrawal address change",
		body: "A change of your withdrawal address was requested.\n\n" +
			"To confirm, follow the link:\n{{.confirm_url}}\n\n" +
			"If you did not request this, ignore this message.\n",
	},
	storage.NotifyAddressChanged: {
		subject: "Your withdrawal address has been changed",
		body:    "Your withdrawal address has been updated.\n",
	},
	storage.NotifyOperationCompleted: {
		subject: "Operation completed",
		body:    "Your {{.kind}} operation has been confirmed and executed.\n",
	},
}

// render 按通知类型渲染邮件
func render(notificationType string, params map[string]string) (Message, error) {
	tpl, ok := templates[notificationType]
	if !ok {
		return Message{}, saleerrors.NewValidationError(
			fmt.Sprintf("未知的通知类型: %s", notificationType), nil)
	}

	parsed, err := template.New(notificationType).Parse(tpl.body)
	if err != nil {
		return Message{}, saleerrors.NewSerializationError(
			fmt.Sprintf("解析邮件模板失败: %v", err), err)
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, params); err != nil {
		return Message{}, saleerrors.NewSerializationError(
			fmt.Sprintf("渲染邮件模板失败: %v", err), err)
	}

	return Message{Subject: tpl.subject, Text: buf.String()}, nil
}
