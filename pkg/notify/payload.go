package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is wrapped by every payload validation failure.
var ErrInvalidPayload = errors.New("invalid notification payload")

// Payload is a category-specific notification body. The concrete type
// determines the category, so a single Send entry point covers all of them.
type Payload interface {
	Category() Category
	Validate() error
	Render() Message
}

// ProductAction is the catalog event behind a product notification.
type ProductAction string

const (
	ProductRestock     ProductAction = "restock"
	ProductPriceDrop   ProductAction = "price_drop"
	ProductBackInStock ProductAction = "back_in_stock"
)

func (a ProductAction) valid() bool {
	switch a {
	case ProductRestock, ProductPriceDrop, ProductBackInStock:
		return true
	}
	return false
}

// OrderPayload announces an order status change.
type OrderPayload struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	OrderNumber string `json:"orderNumber"`
}

func (OrderPayload) Category() Category { return CategoryOrder }

func (p OrderPayload) Validate() error {
	return requireFields(CategoryOrder, "orderId", p.OrderID, "status", p.Status, "orderNumber", p.OrderNumber)
}

func (p OrderPayload) Render() Message {
	return Message{
		Title: "Order Update",
		Body:  fmt.Sprintf("Order #%s is now %s", p.OrderNumber, p.Status),
		Data: map[string]string{
			"category":    string(CategoryOrder),
			"orderId":     p.OrderID,
			"status":      p.Status,
			"orderNumber": p.OrderNumber,
		},
	}
}

// PromotionPayload announces a campaign. ImageURL is optional.
type PromotionPayload struct {
	PromotionID string `json:"promotionId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

func (PromotionPayload) Category() Category { return CategoryPromotion }

func (p PromotionPayload) Validate() error {
	return requireFields(CategoryPromotion, "promotionId", p.PromotionID, "title", p.Title, "description", p.Description)
}

func (p PromotionPayload) Render() Message {
	return Message{
		Title:    p.Title,
		Body:     p.Description,
		ImageURL: p.ImageURL,
		Data: map[string]string{
			"category":    string(CategoryPromotion),
			"promotionId": p.PromotionID,
		},
	}
}

// ProductPayload announces a catalog change for a product the user follows.
type ProductPayload struct {
	ProductID   string        `json:"productId"`
	ProductName string        `json:"productName"`
	Action      ProductAction `json:"action"`
}

func (ProductPayload) Category() Category { return CategoryProduct }

func (p ProductPayload) Validate() error {
	if err := requireFields(CategoryProduct, "productId", p.ProductID, "productName", p.ProductName, "action", string(p.Action)); err != nil {
		return err
	}
	if !p.Action.valid() {
		return fmt.Errorf("%w: product action %q not one of restock, price_drop, back_in_stock", ErrInvalidPayload, p.Action)
	}
	return nil
}

func (p ProductPayload) Render() Message {
	var title, body string
	switch p.Action {
	case ProductRestock:
		title, body = "Restocked", fmt.Sprintf("%s has been restocked", p.ProductName)
	case ProductPriceDrop:
		title, body = "Price Drop", fmt.Sprintf("%s just dropped in price", p.ProductName)
	default:
		title, body = "Back in Stock", fmt.Sprintf("%s is back in stock", p.ProductName)
	}
	return Message{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"category":  string(CategoryProduct),
			"productId": p.ProductID,
			"action":    string(p.Action),
		},
	}
}

// MessagePayload announces a new chat message.
type MessagePayload struct {
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	MessageBody string `json:"messageBody"`
}

func (MessagePayload) Category() Category { return CategoryMessage }

func (p MessagePayload) Validate() error {
	return requireFields(CategoryMessage, "senderId", p.SenderID, "senderName", p.SenderName, "messageBody", p.MessageBody)
}

func (p MessagePayload) Render() Message {
	return Message{
		Title: fmt.Sprintf("New message from %s", p.SenderName),
		Body:  p.MessageBody,
		Data: map[string]string{
			"category": string(CategoryMessage),
			"senderId": p.SenderID,
		},
	}
}

// SystemPayload is an operational notice with optional arbitrary data.
type SystemPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (SystemPayload) Category() Category { return CategorySystem }

func (p SystemPayload) Validate() error {
	return requireFields(CategorySystem, "title", p.Title, "body", p.Body)
}

func (p SystemPayload) Render() Message {
	data := make(map[string]string, len(p.Data)+1)
	for k, v := range p.Data {
		data[k] = v
	}
	data["category"] = string(CategorySystem)
	return Message{Title: p.Title, Body: p.Body, Data: data}
}

// payloadDecoders is the category -> concrete payload lookup table.
var payloadDecoders = map[Category]func(json.RawMessage) (Payload, error){
	CategoryOrder:     decodeAs[OrderPayload],
	CategoryPromotion: decodeAs[PromotionPayload],
	CategoryProduct:   decodeAs[ProductPayload],
	CategoryMessage:   decodeAs[MessagePayload],
	CategorySystem:    decodeAs[SystemPayload],
}

// DecodePayload unmarshals raw JSON into the payload type of category c and validates it.
func DecodePayload(c Category, raw json.RawMessage) (Payload, error) {
	decode, ok := payloadDecoders[c]
	if !ok {
		return nil, fmt.Errorf("unknown notification category %q", c)
	}
	p, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", c, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// requireFields takes name/value pairs and reports the first empty value.
func requireFields(c Category, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s notification requires %s", ErrInvalidPayload, c, pairs[i])
		}
	}
	return nil
}
