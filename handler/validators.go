package handler

import (
	"sync"

	"github.com/btc_explorer/service"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators installs the custom binding tags used by request bodies.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("chainname", func(fl validator.FieldLevel) bool {
			_, err := service.ParseChain(fl.Field().String())
			return err == nil
		})
	})
}
