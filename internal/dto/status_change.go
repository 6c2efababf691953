package dto

type ChangeStatusRequest struct {
	Status string `json:"status"`
}
