package models

import "errors"

var (
	// ErrTransientPlatform сеть, rate limit или 5xx; можно повторить в пределах лимитов
	ErrTransientPlatform = errors.New("transient platform error")
	// ErrPreconditionNotMet платформа не считает PR готовым к слиянию
	ErrPreconditionNotMet = errors.New("merge precondition not met")
	// ErrConfiguration неверная конфигурация, фатально при старте
	ErrConfiguration = errors.New("invalid configuration")
	// ErrMalformedInput элемент ответа платформы не удалось разобрать
	ErrMalformedInput = errors.New("malformed platform payload")
)
