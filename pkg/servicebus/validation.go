package servicebus

// ============================================================================
// Validation
// ============================================================================

func (c *EndpointConfig) Validate() error {
	if c.PrimaryConnectionString == "" {
		return &ConfigurationError{Field: "PrimaryConnectionString", Reason: "cannot be empty"}
	}
	if c.FailureThreshold < 0 {
		return &ConfigurationError{Field: "FailureThreshold", Reason: "cannot be negative"}
	}
	if c.ProbeInterval < 0 {
		return &ConfigurationError{Field: "ProbeInterval", Reason: "cannot be negative"}
	}
	return nil
}

func (p RetryPolicy) Validate() error {
	if p.InitialBackoff < 0 {
		return &ConfigurationError{Field: "RetryPolicy.InitialBackoff", Reason: "cannot be negative"}
	}
	if p.MaxBackoff < 0 {
		return &ConfigurationError{Field: "RetryPolicy.MaxBackoff", Reason: "cannot be negative"}
	}
	if p.BackoffFactor < 0 || (p.BackoffFactor > 0 && p.BackoffFactor < 1) {
		return &ConfigurationError{Field: "RetryPolicy.BackoffFactor", Reason: "must be at least 1"}
	}
	return nil
}

func (c *PublisherConfig) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if err := c.Destination.ValidateForSend(); err != nil {
		return &ConfigurationError{Field: "Destination", Reason: err.Error()}
	}
	if c.OperationTimeout < 0 {
		return &ConfigurationError{Field: "OperationTimeout", Reason: "cannot be negative"}
	}
	return c.RetryPolicy.Validate()
}

func (c *EngineConfig) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if err := c.Destination.ValidateForReceive(); err != nil {
		return &ConfigurationError{Field: "Destination", Reason: err.Error()}
	}
	if c.ReceiveTimeout < 0 {
		return &ConfigurationError{Field: "ReceiveTimeout", Reason: "cannot be negative"}
	}
	if c.OperationTimeout < 0 {
		return &ConfigurationError{Field: "OperationTimeout", Reason: "cannot be negative"}
	}
	if c.DrainTimeout < 0 {
		return &ConfigurationError{Field: "DrainTimeout", Reason: "cannot be negative"}
	}
	if c.Workers < 0 {
		return &ConfigurationError{Field: "Workers", Reason: "cannot be negative"}
	}
	if c.PrefetchCount < 0 {
		return &ConfigurationError{Field: "PrefetchCount", Reason: "cannot be negative"}
	}
	if c.MaxDeliveryCount < 0 {
		return &ConfigurationError{Field: "MaxDeliveryCount", Reason: "cannot be negative"}
	}
	return c.RetryPolicy.Validate()
}

func (c *DeadLetterConfig) Validate() error {
	ec := c.engineConfig()
	return ec.Validate()
}
