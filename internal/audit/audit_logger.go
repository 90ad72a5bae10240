package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogDeposit(transactionID, accountID string, amount int64, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "DEPOSIT",
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        status,
	})
}

func (a *Logger) LogTransfer(transactionID, fromAccount, toAccount string, amount int64, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "TRANSFER",
		TransactionID: transactionID,
		Amount:        amount,
		Status:        status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

func (a *Logger) LogReversal(transactionID, originalID string, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "REVERSAL",
		TransactionID: transactionID,
		Status:        status,
		Details:       map[string]string{"original_transaction": originalID},
	})
}

func (a *Logger) LogError(transactionID, accountID string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
