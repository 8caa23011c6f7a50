package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadnexy/engine"
	"leadnexy/utils"
)

type TemplateController struct {
	Registry *engine.Registry
	Logger   *logrus.Logger
}

func NewTemplateController(registry *engine.Registry, logger *logrus.Logger) *TemplateController {
	return &TemplateController{
		Registry: registry,
		Logger:   logger,
	}
}

type templateStepView struct {
	Offset  string `json:"offset"`
	Channel string `json:"channel"`
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

type templateView struct {
	Key         string             `json:"key"`
	Version     int                `json:"version"`
	Name        string             `json:"name"`
	Trigger     engine.Trigger     `json:"trigger"`
	StopOnReply bool               `json:"stop_on_reply"`
	Steps       []templateStepView `json:"steps"`
}

func viewOf(tpl *engine.Template) templateView {
	view := templateView{
		Key:         tpl.Key,
		Version:     tpl.Version,
		Name:        tpl.Name,
		Trigger:     tpl.Trigger,
		StopOnReply: tpl.StopOnReply,
	}
	for _, step := range tpl.Steps {
		view.Steps = append(view.Steps, templateStepView{
			Offset:  utils.FormatDuration(step.Offset),
			Channel: string(step.Channel),
			Subject: step.Subject,
			Content: step.Content,
		})
	}
	return view
}

// GetTemplates lists the sequence catalog
func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	templates := tc.Registry.List()
	views := make([]templateView, 0, len(templates))
	for _, tpl := range templates {
		views = append(views, viewOf(tpl))
	}
	return c.JSON(utils.SuccessResponse(views))
}

// GetTemplate returns one template by key
func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	tpl, err := tc.Registry.Get(c.Params("key"))
	if err != nil {
		if errors.Is(err, engine.ErrTemplateNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch template", err)
	}
	return c.JSON(utils.SuccessResponse(viewOf(tpl)))
}
