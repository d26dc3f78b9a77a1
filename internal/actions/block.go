package actions

import "github.com/BespredeL/wafu/internal/waf"

type BlockConfig struct {
	Status  int
	Message string
}

// Block leaves a plain-text rejection in the response attribute. Writing it
// is the caller's job.
type Block struct {
	status  int
	message string
}

func NewBlock(cfg BlockConfig) *Block {
	status := cfg.Status
	if status <= 0 {
		status = 403
	}
	message := cfg.Message
	if message == "" {
		message = "Blocked by WAFU"
	}
	return &Block{status: status, message: message}
}

func (b *Block) Execute(c *waf.Context) {
	c.SetAttribute(waf.AttrResponse, waf.Response{
		Status:  b.status,
		Headers: map[string]string{"Content-Type": contentTypeText},
		Body:    b.message,
	})
}
